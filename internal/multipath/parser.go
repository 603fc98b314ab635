// Package multipath scans `multipath -ll` output for wedged devices and
// applies a conservative, multiply-gated cleanup policy.
package multipath

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
)

// Path is one path line inside a device stanza.
type Path struct {
	HCTL      string // host:channel:target:lun
	Device    string // sdX
	DevNode   string // major:minor
	DMState   string // active / failed
	PathState string // ready / faulty
	Online    string // running / offline
}

// Failed reports whether the path is simultaneously failed and faulty.
func (p Path) Failed() bool {
	return p.DMState == "failed" && p.PathState == "faulty"
}

// Device is one parsed multipath stanza.
type Device struct {
	Name      string // mpathX or friendly name
	WWID      string
	DMDevice  string // dm-N
	VendorTag string // raw "VENDOR,PRODUCT" tag
	Size      string // as reported, e.g. "50G" or "0.0K"
	Paths     []Path
}

// header line: "mpatha (368ccf0980057a10d) dm-3 DellEMC,PowerStore"
// Friendly-named devices omit nothing; reloads can omit the vendor tag.
var headerRe = regexp.MustCompile(`^(\S+)\s+\((\S+)\)\s+(dm-\d+)\s*(.*)$`)

// path line: "  |- 1:0:0:1 sda 8:0 active ready running"
var pathRe = regexp.MustCompile(`[|\x60]-\s+(\d+:\d+:\d+:\d+)\s+(\S+)\s+(\d+:\d+)\s+(\S+)\s+(\S+)\s+(\S+)`)

type parseState int

const (
	stateExpectHeader parseState = iota
	stateInStanza
)

// Parse converts raw `multipath -ll` output into structured device
// records. The parser is an explicit line state machine: a header line
// opens a stanza, attribute and path lines accumulate into it, the next
// header (or EOF) closes it. Unrecognized lines inside a stanza are
// skipped; a path line outside any stanza is a parse error, since that
// means a header was missed and device attribution would be wrong.
func Parse(raw string) ([]Device, error) {
	var (
		devices []Device
		current *Device
		state   = stateExpectHeader
		lineNo  = 0
	)

	flush := func() {
		if current != nil {
			devices = append(devices, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m := headerRe.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, " ") {
			flush()
			current = &Device{
				Name:      m[1],
				WWID:      m[2],
				DMDevice:  m[3],
				VendorTag: strings.TrimSpace(m[4]),
			}
			state = stateInStanza
			continue
		}

		if m := pathRe.FindStringSubmatch(line); m != nil {
			if state != stateInStanza || current == nil {
				return nil, apperrors.Internal(apperrors.CodeParseFailed,
					fmt.Sprintf("path line %d outside any device stanza", lineNo))
			}
			current.Paths = append(current.Paths, Path{
				HCTL:      m[1],
				Device:    m[2],
				DevNode:   m[3],
				DMState:   m[4],
				PathState: m[5],
				Online:    m[6],
			})
			continue
		}

		if state == stateInStanza && strings.Contains(line, "size=") {
			current.Size = extractSize(line)
			continue
		}
		// policy/feature lines and anything else inside a stanza are noise
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeParseFailed, "scan multipath output", 0)
	}
	flush()
	return devices, nil
}

var sizeRe = regexp.MustCompile(`size=(\S+)`)

func extractSize(line string) string {
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// zeroSizeRe matches size strings that are exactly zero: "0", "0.0K",
// "0.00G" and the like.
var zeroSizeRe = regexp.MustCompile(`^0(?:\.0+)?[KMGTP]?i?B?$`)

// ZeroSize reports whether the reported size is exactly zero.
func (d Device) ZeroSize() bool {
	return d.Size != "" && zeroSizeRe.MatchString(d.Size)
}

// AllPathsFailed reports whether every observed path is simultaneously
// failed+faulty. A stanza with zero path lines is NOT all-failed: with an
// empty denominator there is nothing to conclude.
func (d Device) AllPathsFailed() bool {
	if len(d.Paths) == 0 {
		return false
	}
	for _, p := range d.Paths {
		if !p.Failed() {
			return false
		}
	}
	return true
}
