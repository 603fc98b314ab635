package vmcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// Tunnel is a context-scoped port-forward to the monitoring stack.
// Cancelling the context that opened it tears the forward down; no
// orphaned child processes, no signal traps.
type Tunnel struct {
	LocalPort uint16
	stopCh    chan struct{}
	doneCh    chan error
}

// URL returns the local endpoint of the tunnel.
func (t *Tunnel) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", t.LocalPort)
}

// Close tears the tunnel down. Safe to call after context cancellation.
func (t *Tunnel) Close() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	<-t.doneCh
}

// OpenTunnel port-forwards a local ephemeral port to the Prometheus pod.
// The pod is resolved from the service's selector labels; the first
// running pod wins.
func OpenTunnel(ctx context.Context, restCfg *rest.Config, namespace, service string, remotePort int) (*Tunnel, error) {
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}

	pod, err := resolveBackendPod(ctx, clientset, namespace, service)
	if err != nil {
		return nil, err
	}

	req := clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(restCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTunnelFailed, "build spdy transport", 0)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	doneCh := make(chan error, 1)

	fw, err := portforward.New(dialer,
		[]string{fmt.Sprintf("0:%d", remotePort)},
		stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTunnelFailed, "create port forwarder", 0)
	}

	go func() {
		doneCh <- fw.ForwardPorts()
	}()

	// Scope the tunnel to the caller's context.
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-stopCh:
			default:
				close(stopCh)
			}
		case <-doneCh:
		}
	}()

	select {
	case <-readyCh:
	case err := <-doneCh:
		return nil, apperrors.Wrap(err, apperrors.CodeTunnelFailed,
			fmt.Sprintf("port-forward to %s/%s never became ready", namespace, pod), 0)
	case <-ctx.Done():
		close(stopCh)
		return nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stopCh)
		return nil, apperrors.Wrap(err, apperrors.CodeTunnelFailed, "resolve local port", 0)
	}

	logger.Info("Monitoring tunnel established",
		zap.String("pod", namespace+"/"+pod),
		zap.Uint16("local_port", ports[0].Local),
		zap.Int("remote_port", remotePort),
	)
	return &Tunnel{LocalPort: ports[0].Local, stopCh: stopCh, doneCh: doneCh}, nil
}

// resolveBackendPod picks a running pod behind the service.
func resolveBackendPod(ctx context.Context, clientset kubernetes.Interface, namespace, service string) (string, error) {
	svc, err := clientset.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeTunnelFailed,
			fmt.Sprintf("get service %s/%s", namespace, service), 0)
	}

	selector := metav1.LabelSelector{MatchLabels: svc.Spec.Selector}
	listOpts := metav1.ListOptions{LabelSelector: metav1.FormatLabelSelector(&selector)}
	pods, err := clientset.CoreV1().Pods(namespace).List(ctx, listOpts)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeTunnelFailed,
			fmt.Sprintf("list pods behind %s/%s", namespace, service), 0)
	}

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", apperrors.New(apperrors.CodeTunnelFailed,
		fmt.Sprintf("no running pod behind %s/%s", namespace, service), 0)
}
