// Package vlun reconciles HPE Primera/3PAR VLUN exports against the
// cluster's persistent-volume claims. Array state is scraped from the
// showvlun/showhost CLI over SSH and parsed into structured records.
package vlun

import (
	"bufio"
	"strconv"
	"strings"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
)

// VLUN is one host-to-volume export.
type VLUN struct {
	LUN      int
	VVName   string
	HostName string
	HostWWN  string
	Port     string
	Type     string
	Status   string
}

// Host is one registered array host.
type Host struct {
	ID      int
	Name    string
	Persona string
	WWN     string
}

// ParseVLUNs parses `showvlun -t` style output. The CLI emits a header
// row, data rows, a dashed separator and a trailing total line; only the
// data rows survive. Column order is taken from the header so the parser
// tolerates the column sets different firmware levels print.
func ParseVLUNs(raw string) ([]VLUN, error) {
	rows, header, err := parseTable(raw, "Lun", "VVName")
	if err != nil {
		return nil, err
	}

	var out []VLUN
	for _, row := range rows {
		lun, err := strconv.Atoi(col(row, header, "Lun"))
		if err != nil {
			continue // sub-total and annotation rows
		}
		out = append(out, VLUN{
			LUN:      lun,
			VVName:   col(row, header, "VVName"),
			HostName: col(row, header, "HostName"),
			HostWWN:  col(row, header, "-Host_WWN/iSCSI_Name-"),
			Port:     col(row, header, "Port"),
			Type:     col(row, header, "Type"),
			Status:   col(row, header, "Status"),
		})
	}
	return out, nil
}

// ParseHosts parses `showhost -d` style output.
func ParseHosts(raw string) ([]Host, error) {
	rows, header, err := parseTable(raw, "Id", "Name")
	if err != nil {
		return nil, err
	}

	var out []Host
	for _, row := range rows {
		id, err := strconv.Atoi(col(row, header, "Id"))
		if err != nil {
			continue
		}
		out = append(out, Host{
			ID:      id,
			Name:    col(row, header, "Name"),
			Persona: col(row, header, "Persona"),
			WWN:     col(row, header, "-WWN/iSCSI_Name-"),
		})
	}
	return out, nil
}

// parseTable finds the header row carrying the required columns and
// whitespace-splits every following row until a separator or total line.
func parseTable(raw string, requiredCols ...string) ([][]string, map[string]int, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		header map[string]int
		rows   [][]string
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		fields := strings.Fields(line)
		if isTotalRow(fields) {
			break
		}
		if header == nil {
			if hasAll(fields, requiredCols) {
				header = make(map[string]int, len(fields))
				for i, name := range fields {
					header[name] = i
				}
			}
			continue
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeParseFailed, "scan array CLI output", 0)
	}
	if header == nil {
		return nil, nil, apperrors.Internal(apperrors.CodeParseFailed,
			"array CLI output has no recognizable header row")
	}
	return rows, header, nil
}

// isTotalRow spots the trailing summary line. The CLI prints the count
// first ("  3 total"); older firmware prints "total" first.
func isTotalRow(fields []string) bool {
	if len(fields) == 0 || len(fields) > 2 {
		return false
	}
	for _, f := range fields {
		if strings.EqualFold(f, "total") {
			return true
		}
	}
	return false
}

func hasAll(fields []string, wanted []string) bool {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func col(row []string, header map[string]int, name string) string {
	i, ok := header[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
