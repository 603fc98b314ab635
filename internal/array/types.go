// Package array implements the Dell PowerStore-style REST client used by
// the orphan reconciliation workflow: token+cookie session management,
// paginated volume listing, per-volume detail and guarded deletion.
package array

import (
	"encoding/json"
	"time"
)

// Volume is one array volume record. Field presence varies by firmware
// and by endpoint: some listing pages expose only the id.
type Volume struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// State is the vendor mapped-state string when exposed
	// (e.g. "Mapped"/"Not_Mapped").
	State string `json:"state,omitempty"`

	CreatedAt string `json:"creation_timestamp,omitempty"`

	// Metadata carries vendor key/value tags; CSI drivers stamp the
	// claim namespace under "csi.k8s.namespace" style keys.
	Metadata map[string]string `json:"metadata,omitempty"`

	// MappedHosts is populated by the detail endpoint when available.
	MappedHosts []string `json:"host_ids,omitempty"`
}

// Mapped reports whether the volume is attached to any host, and whether
// the record carries enough data to tell. ok is false when the firmware
// exposed neither a state string nor host mappings.
func (v Volume) Mapped() (mapped, ok bool) {
	if len(v.MappedHosts) > 0 {
		return true, true
	}
	switch v.State {
	case "":
		return false, false
	case "Not_Mapped", "not_mapped", "NOT_MAPPED":
		return false, true
	default:
		// Any other state string ("Mapped", "Ready", vendor variants)
		// is treated as potentially attached.
		return true, true
	}
}

// Namespace returns the claim namespace stamped in volume metadata, if any.
func (v Volume) Namespace() (string, bool) {
	for _, key := range []string{"csi.k8s.namespace", "k8s_namespace", "namespace"} {
		if ns, ok := v.Metadata[key]; ok && ns != "" {
			return ns, true
		}
	}
	return "", false
}

// DeletionOutcome records a deletion attempt. The array's response is
// authoritative: a 2xx confirms removal, a 422 confirms the candidate
// was in fact unsafe and carries the vendor's reason verbatim.
type DeletionOutcome struct {
	VolumeID      string    `json:"volume_id"`
	HTTPStatus    int       `json:"http_status"`
	VendorMessage string    `json:"vendor_message,omitempty"`
	Deleted       bool      `json:"deleted"`
	Refused       bool      `json:"refused"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// vendorError is the PowerStore error body shape.
type vendorError struct {
	Messages []struct {
		Code        string `json:"code"`
		Severity    string `json:"severity"`
		MessageL10N string `json:"message_l10n"`
	} `json:"messages"`
}

// vendorMessage extracts the first human-readable message from a vendor
// error body, or returns the raw body when the shape is unfamiliar.
func vendorMessage(body []byte) string {
	var ve vendorError
	if err := json.Unmarshal(body, &ve); err == nil && len(ve.Messages) > 0 {
		return ve.Messages[0].MessageL10N
	}
	return string(body)
}
