package reconcile

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"kv-shepherd.io/storjanitor/internal/array"
	"kv-shepherd.io/storjanitor/internal/cluster"
)

func inUse(handles ...string) *cluster.InUseIndex {
	pvs := make([]corev1.PersistentVolume, 0, len(handles))
	for i, h := range handles {
		pvs = append(pvs, corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: string(rune('a' + i))},
			Spec: corev1.PersistentVolumeSpec{
				PersistentVolumeSource: corev1.PersistentVolumeSource{
					CSI: &corev1.CSIPersistentVolumeSource{
						Driver:       "csi-powerstore.dellemc.com",
						VolumeHandle: h,
					},
				},
			},
		})
	}
	return cluster.BuildInUseIndex(pvs)
}

func vols(ids ...string) []array.Volume {
	out := make([]array.Volume, 0, len(ids))
	for _, id := range ids {
		out = append(out, array.Volume{ID: id})
	}
	return out
}

func orphanIDs(orphans []array.Volume) []string {
	out := make([]string, 0, len(orphans))
	for _, o := range orphans {
		out = append(out, o.ID)
	}
	return out
}

func TestComputeOrphans_SetDifference(t *testing.T) {
	t.Parallel()

	orphans := ComputeOrphans(vols("v1", "v2", "v3"), inUse("v2"))
	assert.Equal(t, []string{"v1", "v3"}, orphanIDs(orphans))
}

func TestComputeOrphans_InUseNeverReported(t *testing.T) {
	t.Parallel()

	idx := inUse("v1", "v2", "v3")
	orphans := ComputeOrphans(vols("v1", "v2", "v3"), idx)
	assert.Empty(t, orphans)
}

func TestComputeOrphans_CompositeHandleNormalization(t *testing.T) {
	t.Parallel()

	// PV handle carries a composite suffix; array listing has the bare id.
	idx := inUse("v1/68ccf098/scsi")
	orphans := ComputeOrphans(vols("v1", "v2"), idx)
	assert.Equal(t, []string{"v2"}, orphanIDs(orphans))
}

func TestComputeOrphans_OrderIndependent(t *testing.T) {
	t.Parallel()

	ids := []string{"v9", "v1", "v5", "v3", "v7", "v2", "v8"}
	idx := inUse("v5", "v7")

	want := ComputeOrphans(vols(ids...), idx)

	for i := 0; i < 10; i++ {
		shuffled := append([]string(nil), ids...)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := ComputeOrphans(vols(shuffled...), idx)
		assert.Equal(t, orphanIDs(want), orphanIDs(got))
	}
}

func TestComputeOrphans_Idempotent(t *testing.T) {
	t.Parallel()

	listing := vols("v4", "v1", "v1", "v2") // duplicate ids in the input must not duplicate output
	idx := inUse("v2")

	first := ComputeOrphans(listing, idx)
	second := ComputeOrphans(listing, idx)
	assert.Equal(t, orphanIDs(first), orphanIDs(second))
	assert.Equal(t, []string{"v1", "v4"}, orphanIDs(first))
}

func TestComputeOrphans_SkipsEmptyIDs(t *testing.T) {
	t.Parallel()

	orphans := ComputeOrphans([]array.Volume{{ID: ""}, {ID: "v1"}}, inUse())
	assert.Equal(t, []string{"v1"}, orphanIDs(orphans))
}
