package vmcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// MetricsClient queries the cluster Prometheus for per-VMI series.
type MetricsClient struct {
	api    promv1.API
	window time.Duration
}

// bearerTransport injects the service-account bearer token.
type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}

// NewMetricsClient builds the Prometheus API client. The bearer token's
// exp claim is inspected (without signature verification, we only hold
// the token, not the signing key) so an expired token fails fast with a
// clear error instead of a wall of 401s mid-scan.
func NewMetricsClient(baseURL, bearerToken string, window time.Duration) (*MetricsClient, error) {
	if bearerToken != "" {
		if err := checkTokenExpiry(bearerToken); err != nil {
			return nil, err
		}
	}

	rt := api.DefaultRoundTripper
	if bearerToken != "" {
		rt = &bearerTransport{token: bearerToken, next: rt}
	}
	client, err := api.NewClient(api.Config{Address: baseURL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("build prometheus client: %w", err)
	}

	if window <= 0 {
		window = 10 * time.Minute
	}
	return &MetricsClient{api: promv1.NewAPI(client), window: window}, nil
}

// checkTokenExpiry parses the unverified exp claim.
func checkTokenExpiry(token string) error {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens are fine; Prometheus will judge them.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return apperrors.New(apperrors.CodeBearerExpired,
			fmt.Sprintf("bearer token expired at %s", exp.Time.Format(time.RFC3339)), 0)
	}
	if until := time.Until(exp.Time); until < 5*time.Minute {
		logger.Warn("Bearer token expires soon",
			zap.Duration("remaining", until))
	}
	return nil
}

// vmiQueries builds the per-VMI query set. %[3]s is the range window.
var vmiQueries = map[string]string{
	"cpu_avg":    `avg_over_time((sum(rate(kubevirt_vmi_cpu_usage_seconds_total{namespace=%[1]q,name=%[2]q}[5m])) * 100)[%[3]s:1m])`,
	"cpu_max":    `max_over_time((sum(rate(kubevirt_vmi_cpu_usage_seconds_total{namespace=%[1]q,name=%[2]q}[5m])) * 100)[%[3]s:1m])`,
	"cpu_stddev": `stddev_over_time((sum(rate(kubevirt_vmi_cpu_usage_seconds_total{namespace=%[1]q,name=%[2]q}[5m])) * 100)[%[3]s:1m])`,
	"net":        `sum(rate(kubevirt_vmi_network_receive_bytes_total{namespace=%[1]q,name=%[2]q}[%[3]s])) + sum(rate(kubevirt_vmi_network_transmit_bytes_total{namespace=%[1]q,name=%[2]q}[%[3]s]))`,
	"disk":       `sum(rate(kubevirt_vmi_storage_read_traffic_bytes_total{namespace=%[1]q,name=%[2]q}[%[3]s])) + sum(rate(kubevirt_vmi_storage_write_traffic_bytes_total{namespace=%[1]q,name=%[2]q}[%[3]s]))`,
}

// Collect gathers one VMI's sample. A query returning no data is
// substituted with zero and recorded in MissingSeries; a query that
// outright fails aborts the sample.
func (c *MetricsClient) Collect(ctx context.Context, namespace, name string) (Sample, error) {
	s := Sample{Namespace: namespace, Name: name}
	window := model.Duration(c.window).String()

	for _, metric := range []string{"cpu_avg", "cpu_max", "cpu_stddev", "net", "disk"} {
		query := fmt.Sprintf(vmiQueries[metric], namespace, name, window)
		value, missing, err := c.scalarQuery(ctx, query)
		if err != nil {
			return s, apperrors.Wrap(err, apperrors.CodePromQueryFailed,
				fmt.Sprintf("query %s for %s/%s", metric, namespace, name), 0)
		}
		if missing {
			s.MissingSeries = append(s.MissingSeries, metric)
		}
		switch metric {
		case "cpu_avg":
			s.CPUAvgPct = value
		case "cpu_max":
			s.CPUMaxPct = value
		case "cpu_stddev":
			s.CPUStddevPct = value
		case "net":
			s.NetBytesPerSec = value
		case "disk":
			s.DiskBytesPerSec = value
		}
	}
	return s, nil
}

// scalarQuery runs an instant query and reduces it to one value.
// An empty result set is (0, missing=true, nil): a VM with no series is
// an empty measurement, not a failed run.
func (c *MetricsClient) scalarQuery(ctx context.Context, query string) (float64, bool, error) {
	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, err
	}
	for _, w := range warnings {
		logger.Debug("Prometheus query warning", zap.String("warning", w))
	}

	vector, ok := result.(model.Vector)
	if !ok {
		if scalar, ok := result.(*model.Scalar); ok {
			return float64(scalar.Value), false, nil
		}
		return 0, false, fmt.Errorf("unexpected result type %s", result.Type())
	}
	if len(vector) == 0 {
		return 0, true, nil
	}
	return float64(vector[0].Value), false, nil
}
