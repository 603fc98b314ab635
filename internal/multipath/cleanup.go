package multipath

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// CleanupPolicy is the per-vendor/per-category opt-in matrix. Everything
// defaults to disabled; only an explicit true in the policy file enables
// a combination, and VendorUnknown can never be enabled.
type CleanupPolicy struct {
	Vendors map[string]CategoryToggles `yaml:"vendors"`
}

// CategoryToggles enables cleanup per suspicion category.
type CategoryToggles struct {
	ZeroSize       bool `yaml:"zero_size"`
	AllPathsFailed bool `yaml:"all_paths_failed"`
}

// LoadCleanupPolicy reads the YAML opt-in file. An empty path returns
// the all-disabled policy.
func LoadCleanupPolicy(path string) (*CleanupPolicy, error) {
	if path == "" {
		return &CleanupPolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cleanup policy: %w", err)
	}
	var p CleanupPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse cleanup policy: %w", err)
	}
	return &p, nil
}

// Enabled reports whether the policy opts in this vendor+category pair.
func (p *CleanupPolicy) Enabled(vendor Vendor, category Category) bool {
	if vendor == VendorUnknown {
		return false
	}
	toggles, ok := p.Vendors[vendor.String()]
	if !ok {
		return false
	}
	switch category {
	case CategoryZeroSize:
		return toggles.ZeroSize
	case CategoryAllPathsFailed:
		return toggles.AllPathsFailed
	default:
		return false
	}
}

// Runner executes a command on a node and returns its combined output.
type Runner interface {
	Run(ctx context.Context, node, command string) (string, error)
}

// Decision is the cleanup verdict for one finding.
type Decision struct {
	Allowed bool
	// Gate names the first gate that refused, empty when allowed.
	Gate   string
	Detail string
}

// Cleaner applies the four-gate cleanup policy and, outside dry-run,
// flushes approved devices.
type Cleaner struct {
	Policy *CleanupPolicy
	Runner Runner

	// InUseWWNs holds lowercase identifier segments from in-use PV
	// handles; a device whose WWID appears here is never touched.
	InUseWWNs map[string]struct{}

	// DryRun is the default; flushing requires an explicit override.
	DryRun bool
}

// Evaluate runs the gates in order for one finding. Gates:
// 1. per-vendor/category opt-in (default deny),
// 2. WWID absent from the in-use storage-handle index,
// 3. live re-check on the node: not mounted, no open handles,
// 4. dry-run override.
// The live re-check happens immediately before acting, not at scan time.
func (c *Cleaner) Evaluate(ctx context.Context, f Finding) Decision {
	if !c.Policy.Enabled(f.Vendor, f.Category) {
		return Decision{
			Gate:   "policy",
			Detail: fmt.Sprintf("cleanup not enabled for vendor=%s category=%s", f.Vendor, f.Category),
		}
	}

	if c.wwidInUse(f.Device.WWID) {
		return Decision{
			Gate:   "in-use-index",
			Detail: fmt.Sprintf("wwid %s matches an in-use storage handle", f.Device.WWID),
		}
	}

	if detail, busy := c.deviceBusy(ctx, f); busy {
		return Decision{Gate: "live-recheck", Detail: detail}
	}

	if c.DryRun {
		return Decision{
			Gate:   "dry-run",
			Detail: "would flush device (pass --execute to act)",
		}
	}

	return Decision{Allowed: true}
}

func (c *Cleaner) wwidInUse(wwid string) bool {
	w := strings.ToLower(wwid)
	if _, ok := c.InUseWWNs[w]; ok {
		return true
	}
	// multipathd prefixes SCSI WWIDs with the NAA type digit
	if len(w) > 1 {
		if _, ok := c.InUseWWNs[w[1:]]; ok {
			return true
		}
	}
	return false
}

// deviceBusy re-checks mounts and open file handles on the node right
// before acting. Mounts reference the device either way: as /dev/dm-N or
// as /dev/mapper/<name>, so both spellings are checked.
func (c *Cleaner) deviceBusy(ctx context.Context, f Finding) (string, bool) {
	mounts, err := c.Runner.Run(ctx,
		f.Node, fmt.Sprintf("grep -Ew '(%s|%s)' /proc/mounts || true", f.Device.DMDevice, f.Device.Name))
	if err != nil {
		return fmt.Sprintf("mount re-check failed: %v", err), true
	}
	if strings.TrimSpace(mounts) != "" {
		return "device is mounted on the node", true
	}

	// fuser exits 0 when at least one process holds the block device or
	// a filesystem mounted from it (-m).
	fuser, err := c.Runner.Run(ctx, f.Node, fmt.Sprintf(
		"fuser -s /dev/%s 2>/dev/null || fuser -sm /dev/mapper/%s 2>/dev/null; echo $?",
		f.Device.DMDevice, f.Device.Name))
	if err != nil {
		return fmt.Sprintf("open-handle re-check failed: %v", err), true
	}
	if strings.TrimSpace(fuser) == "0" {
		return "open file handles on the device", true
	}
	return "", false
}

// Flush removes an approved device map on the node.
func (c *Cleaner) Flush(ctx context.Context, f Finding) error {
	out, err := c.Runner.Run(ctx, f.Node, fmt.Sprintf("multipath -f %s", f.Device.Name))
	if err != nil {
		return fmt.Errorf("flush %s on %s: %w (output: %s)", f.Device.Name, f.Node, err, strings.TrimSpace(out))
	}
	logger.Info("Flushed multipath device",
		zap.String("node", f.Node),
		zap.String("device", f.Device.Name),
		zap.String("wwid", f.Device.WWID),
	)
	return nil
}
