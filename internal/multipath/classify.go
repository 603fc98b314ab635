package multipath

import "strings"

// Vendor is the closed set of array vendors the janitor recognizes.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorPowerStore
	VendorPrimera
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case VendorPowerStore:
		return "powerstore"
	case VendorPrimera:
		return "primera"
	default:
		return "unknown"
	}
}

// ClassifyVendor maps the free-text vendor/product tag to the closed
// vendor set. Matching is case-insensitive on known prefixes; anything
// unrecognized lands in VendorUnknown, which no cleanup flag can enable.
func ClassifyVendor(tag string) Vendor {
	t := strings.ToUpper(strings.TrimSpace(tag))
	switch {
	case strings.HasPrefix(t, "DELLEMC,POWERSTORE"),
		strings.HasPrefix(t, "DELL EMC,POWERSTORE"),
		strings.HasPrefix(t, "DELLEMC,POWER"):
		return VendorPowerStore
	case strings.HasPrefix(t, "3PARDATA,"),
		strings.HasPrefix(t, "HPE,PRIMERA"),
		strings.HasPrefix(t, "HP,PRIMERA"):
		return VendorPrimera
	default:
		return VendorUnknown
	}
}

// Category classifies why a device is suspicious.
type Category string

const (
	CategoryHealthy        Category = "HEALTHY"
	CategoryZeroSize       Category = "ZERO_SIZE"
	CategoryAllPathsFailed Category = "ALL_PATHS_FAILED"
)

// Classify returns the suspicion category for a device. Zero size wins
// over path state: a zero-size map is broken regardless of its paths.
func Classify(d Device) Category {
	if d.ZeroSize() {
		return CategoryZeroSize
	}
	if d.AllPathsFailed() {
		return CategoryAllPathsFailed
	}
	return CategoryHealthy
}

// Finding is one suspicious device on one node.
type Finding struct {
	Node     string
	Device   Device
	Vendor   Vendor
	Category Category
}

// Scan classifies every device and returns the suspicious ones.
func Scan(node string, devices []Device) []Finding {
	var findings []Finding
	for _, d := range devices {
		cat := Classify(d)
		if cat == CategoryHealthy {
			continue
		}
		findings = append(findings, Finding{
			Node:     node,
			Device:   d,
			Vendor:   ClassifyVendor(d.VendorTag),
			Category: cat,
		})
	}
	return findings
}
