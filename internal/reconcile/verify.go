package reconcile

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/array"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/pkg/worker"
)

// Classification is the verifier's verdict for one orphan candidate.
type Classification struct {
	VolumeID string
	Name     string

	// Verified means the detail fetch confirmed an explicit unmapped
	// state. Unverifiable candidates are never eligible.
	Verified bool
	Eligible bool
	Reason   string
}

// DetailFetcher fetches the per-volume detail record.
type DetailFetcher interface {
	GetVolume(ctx context.Context, id string) (*array.Volume, error)
}

// Policy is the deletion eligibility policy.
type Policy struct {
	// Namespace scopes eligibility to claims of one namespace; empty
	// means cluster-wide. Matching is exact, never substring.
	Namespace string

	// Protected holds volume names shielded by dependent resources
	// (DataVolume imports).
	Protected map[string]struct{}

	// VerifyCap bounds how many candidates get a detail fetch per run;
	// the remainder is reported unverified.
	VerifyCap int
}

// Verifier applies the eligibility policy to orphan candidates.
type Verifier struct {
	fetcher DetailFetcher
	pool    *worker.Pool
	policy  Policy
}

// NewVerifier creates a verifier. pool bounds concurrent detail fetches;
// nil runs them sequentially.
func NewVerifier(fetcher DetailFetcher, pool *worker.Pool, policy Policy) *Verifier {
	return &Verifier{fetcher: fetcher, pool: pool, policy: policy}
}

// ClassifyAll verifies candidates up to the cap, in parallel when a pool
// is configured, and returns one classification per candidate in input
// order. A detail-fetch failure downgrades that candidate to report-only;
// it never escalates to eligible.
func (v *Verifier) ClassifyAll(ctx context.Context, candidates []array.Volume) []Classification {
	out := make([]Classification, len(candidates))

	cap := v.policy.VerifyCap
	if cap <= 0 || cap > len(candidates) {
		cap = len(candidates)
	}

	for i := cap; i < len(candidates); i++ {
		out[i] = Classification{
			VolumeID: candidates[i].ID,
			Name:     candidates[i].Name,
			Reason:   "Report-only: verification cap reached before this candidate",
		}
	}

	if v.pool == nil {
		for i := 0; i < cap; i++ {
			out[i] = v.classifyOne(ctx, candidates[i])
		}
		return out
	}

	var mu sync.Mutex
	group := v.pool.NewGroup()
	for i := 0; i < cap; i++ {
		i := i
		candidate := candidates[i]
		err := group.Go(ctx, func(ctx context.Context) {
			c := v.classifyOne(ctx, candidate)
			mu.Lock()
			out[i] = c
			mu.Unlock()
		})
		if err != nil {
			out[i] = Classification{
				VolumeID: candidate.ID,
				Name:     candidate.Name,
				Reason:   fmt.Sprintf("Report-only: verification not scheduled: %v", err),
			}
		}
	}
	group.Wait()
	return out
}

func (v *Verifier) classifyOne(ctx context.Context, candidate array.Volume) Classification {
	c := Classification{VolumeID: candidate.ID, Name: candidate.Name}

	detail, err := v.fetcher.GetVolume(ctx, candidate.ID)
	if err != nil {
		logger.Warn("Detail fetch failed, downgrading to report-only",
			zap.String("volume_id", candidate.ID),
			zap.Error(err),
		)
		c.Reason = fmt.Sprintf("Report-only: detail fetch failed: %v", err)
		return c
	}
	if detail.Name != "" {
		c.Name = detail.Name
	}

	return v.applyPolicy(c, detail)
}

// applyPolicy decides eligibility from a fetched detail record.
// Eligible only when all hold: explicit unmapped state, exact namespace
// match under a scope, not protected by a dependent resource. Missing
// data always degrades to report-only.
func (v *Verifier) applyPolicy(c Classification, detail *array.Volume) Classification {
	mapped, ok := detail.Mapped()
	if !ok {
		// Firmware that returns only the identifier: never claim an
		// unverifiable volume is safe to delete.
		c.Reason = "Report-only: detail record exposes no mapped-state fields"
		return c
	}
	c.Verified = true

	if mapped {
		c.Reason = "Ineligible: array reports volume mapped to a host"
		return c
	}

	if name := c.Name; name != "" {
		if _, prot := v.policy.Protected[name]; prot {
			c.Reason = "Ineligible: protected by a DataVolume import referencing this volume"
			return c
		}
	}

	if v.policy.Namespace != "" {
		ns, ok := detail.Namespace()
		if !ok {
			c.Reason = "Ineligible: namespace scope set but detail metadata carries no namespace"
			return c
		}
		if ns != v.policy.Namespace {
			c.Reason = fmt.Sprintf("Ineligible: namespace %q does not match scope %q", ns, v.policy.Namespace)
			return c
		}
		c.Eligible = true
		c.Reason = fmt.Sprintf("Eligible (namespace %s), unreferenced, unmapped", v.policy.Namespace)
		return c
	}

	c.Eligible = true
	c.Reason = "Eligible (cluster-wide), unreferenced, unmapped"
	return c
}
