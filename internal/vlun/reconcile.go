package vlun

import (
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// FindingKind classifies a VLUN reconciliation finding.
type FindingKind string

const (
	// KindStaleVLUN is an export whose virtual volume no PV references.
	KindStaleVLUN FindingKind = "STALE_VLUN"
	// KindIdleHost is a registered host with zero exports.
	KindIdleHost FindingKind = "IDLE_HOST"
)

// Finding is one reconciliation result row.
type Finding struct {
	Kind     FindingKind
	VVName   string
	HostName string
	LUN      int
	Detail   string
}

// BuildVVIndex collects the CSI volume names PVs reference on this
// array. HPE exports carry the Kubernetes volume name (pvc-<uid>) as the
// virtual volume name, possibly truncated to the CLI column width, so
// the index keeps full names and matching tolerates truncation.
type VVIndex struct {
	names []string
}

// NewVVIndex builds the index from the PV listing.
func NewVVIndex(pvs []corev1.PersistentVolume) *VVIndex {
	idx := &VVIndex{}
	for _, pv := range pvs {
		if pv.Spec.CSI == nil {
			continue
		}
		idx.names = append(idx.names, pv.Name)
	}
	sort.Strings(idx.names)
	return idx
}

// Contains reports whether a virtual volume name matches a PV name,
// exactly or as a CLI-truncated prefix of one. Truncated matching only
// applies to names at least 16 characters long so short names never
// prefix-match accidentally.
func (idx *VVIndex) Contains(vvName string) bool {
	if vvName == "" {
		return false
	}
	for _, name := range idx.names {
		if name == vvName {
			return true
		}
		if len(vvName) >= 16 && strings.HasPrefix(name, vvName) {
			return true
		}
	}
	return false
}

// Reconcile cross-references exports and hosts against the PV listing.
// Admin and system volumes (dotted names, admin prefix) are skipped: the
// array uses them internally and they never correspond to claims.
func Reconcile(vluns []VLUN, hosts []Host, idx *VVIndex) []Finding {
	var findings []Finding

	exportsPerHost := make(map[string]int, len(hosts))
	for _, v := range vluns {
		exportsPerHost[v.HostName]++

		if isSystemVolume(v.VVName) {
			continue
		}
		if idx.Contains(v.VVName) {
			continue
		}
		findings = append(findings, Finding{
			Kind:     KindStaleVLUN,
			VVName:   v.VVName,
			HostName: v.HostName,
			LUN:      v.LUN,
			Detail:   "no persistent volume references this virtual volume",
		})
	}

	for _, h := range hosts {
		if exportsPerHost[h.Name] > 0 {
			continue
		}
		findings = append(findings, Finding{
			Kind:     KindIdleHost,
			HostName: h.Name,
			Detail:   "host registered on the array but has no exports",
		})
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Kind != findings[j].Kind {
			return findings[i].Kind < findings[j].Kind
		}
		if findings[i].VVName != findings[j].VVName {
			return findings[i].VVName < findings[j].VVName
		}
		return findings[i].HostName < findings[j].HostName
	})
	return findings
}

func isSystemVolume(name string) bool {
	return name == "" ||
		strings.HasPrefix(name, "admin") ||
		strings.HasPrefix(name, ".") ||
		strings.Contains(name, ".srdata")
}
