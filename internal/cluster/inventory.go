package cluster

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	cdiv1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
)

// handleDelimiter separates the array id from driver-appended suffixes in
// composite CSI volume handles (PowerStore emits "<id>/<wwn>/<proto>").
const handleDelimiter = "/"

// NormalizeHandle reduces a composite CSI volume handle to the bare
// array identifier: everything up to the first delimiter. Handles with
// no delimiter pass through unchanged.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if i := strings.Index(handle, handleDelimiter); i >= 0 {
		return handle[:i]
	}
	return handle
}

// HandleRef attributes an in-use array id back to its PV and claim.
type HandleRef struct {
	PVName         string
	Driver         string
	ClaimNamespace string
	ClaimName      string
}

// InUseIndex is the set of array identifiers currently referenced by
// persistent volumes, keyed by normalized handle.
type InUseIndex struct {
	refs map[string]HandleRef
}

// BuildInUseIndex extracts normalized CSI volume handles from the PV
// listing. Non-CSI volumes (NFS, hostPath) carry no array handle and are
// skipped.
func BuildInUseIndex(pvs []corev1.PersistentVolume) *InUseIndex {
	idx := &InUseIndex{refs: make(map[string]HandleRef, len(pvs))}
	for _, pv := range pvs {
		csi := pv.Spec.CSI
		if csi == nil || csi.VolumeHandle == "" {
			continue
		}
		ref := HandleRef{PVName: pv.Name, Driver: csi.Driver}
		if claim := pv.Spec.ClaimRef; claim != nil {
			ref.ClaimNamespace = claim.Namespace
			ref.ClaimName = claim.Name
		}
		idx.refs[NormalizeHandle(csi.VolumeHandle)] = ref
	}
	return idx
}

// Contains reports whether the normalized id is referenced by a PV.
func (idx *InUseIndex) Contains(id string) bool {
	_, ok := idx.refs[NormalizeHandle(id)]
	return ok
}

// Ref returns the attribution for an in-use id.
func (idx *InUseIndex) Ref(id string) (HandleRef, bool) {
	ref, ok := idx.refs[NormalizeHandle(id)]
	return ref, ok
}

// IDs returns the normalized in-use identifier set.
func (idx *InUseIndex) IDs() map[string]struct{} {
	out := make(map[string]struct{}, len(idx.refs))
	for id := range idx.refs {
		out[id] = struct{}{}
	}
	return out
}

// Len returns the number of in-use identifiers.
func (idx *InUseIndex) Len() int {
	return len(idx.refs)
}

// BuildHandleSegmentSet collects every segment of every in-use CSI
// volume handle, lowercased. Composite PowerStore handles embed the
// device WWN as a segment, so membership here means "some PV references
// this identifier" regardless of which segment carried it.
func BuildHandleSegmentSet(pvs []corev1.PersistentVolume) map[string]struct{} {
	out := make(map[string]struct{})
	for _, pv := range pvs {
		csi := pv.Spec.CSI
		if csi == nil || csi.VolumeHandle == "" {
			continue
		}
		for _, seg := range strings.Split(csi.VolumeHandle, handleDelimiter) {
			seg = strings.ToLower(strings.TrimSpace(seg))
			if seg != "" {
				out[seg] = struct{}{}
			}
		}
	}
	return out
}

// BuildProtectedSet derives the volume names shielded by DataVolumes.
// A DataVolume's target claim shares its namespace/name; the CSI driver
// names the backing array volume "pvc-<claim uid>". Volumes in this set
// are never eligible for deletion even when no PV references them (the
// import may still be in flight).
func BuildProtectedSet(dvs []cdiv1.DataVolume, pvcs []corev1.PersistentVolumeClaim) map[string]struct{} {
	claims := make(map[string]corev1.PersistentVolumeClaim, len(pvcs))
	for _, pvc := range pvcs {
		claims[pvc.Namespace+"/"+pvc.Name] = pvc
	}

	protected := make(map[string]struct{})
	for _, dv := range dvs {
		pvc, ok := claims[dv.Namespace+"/"+dv.Name]
		if !ok {
			continue
		}
		protected[fmt.Sprintf("pvc-%s", pvc.UID)] = struct{}{}
		if pvc.Spec.VolumeName != "" {
			protected[pvc.Spec.VolumeName] = struct{}{}
		}
	}
	return protected
}
