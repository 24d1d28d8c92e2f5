package cgroup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// PressureLine is one line of a PSI file.
type PressureLine struct {
	Avg10  float64 `json:"avg10"`
	Avg60  float64 `json:"avg60"`
	Avg300 float64 `json:"avg300"`
	// Total is the cumulative stall time in microseconds.
	Total uint64 `json:"total"`
}

// Pressure is a parsed memory.pressure record. Full is nil on kernels that
// only report the "some" line.
type Pressure struct {
	Some PressureLine  `json:"some"`
	Full *PressureLine `json:"full,omitempty"`
}

// ParsePressure parses PSI text of the form
//
//	some avg10=0.00 avg60=0.00 avg300=0.00 total=0
//	full avg10=0.00 avg60=0.00 avg300=0.00 total=0
//
// Unknown keys are ignored. The result is informational only.
func ParsePressure(text string) (Pressure, error) {
	var p Pressure
	var sawSome bool
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pl, err := parsePressureFields(fields[1:])
		if err != nil {
			return Pressure{}, fmt.Errorf("parse %s line: %w", fields[0], err)
		}
		switch fields[0] {
		case "some":
			p.Some = pl
			sawSome = true
		case "full":
			p.Full = &pl
		default:
			return Pressure{}, fmt.Errorf("unexpected pressure line %q", fields[0])
		}
	}
	if !sawSome {
		return Pressure{}, fmt.Errorf("pressure text has no some line")
	}
	return p, nil
}

func parsePressureFields(fields []string) (PressureLine, error) {
	var pl PressureLine
	for _, kv := range fields {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return PressureLine{}, fmt.Errorf("malformed field %q", kv)
		}
		var err error
		switch k {
		case "avg10":
			pl.Avg10, err = strconv.ParseFloat(v, 64)
		case "avg60":
			pl.Avg60, err = strconv.ParseFloat(v, 64)
		case "avg300":
			pl.Avg300, err = strconv.ParseFloat(v, 64)
		case "total":
			pl.Total, err = strconv.ParseUint(v, 10, 64)
		}
		if err != nil {
			return PressureLine{}, fmt.Errorf("field %s: %w", k, err)
		}
	}
	return pl, nil
}

// HostPressure reads system-wide memory PSI from the proc filesystem
// mounted at procRoot (normally /proc).
func HostPressure(procRoot string) (Pressure, error) {
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return Pressure{}, fmt.Errorf("open procfs: %w", err)
	}
	stats, err := pfs.PSIStatsForResource("memory")
	if err != nil {
		return Pressure{}, fmt.Errorf("read host memory pressure: %w", err)
	}

	var p Pressure
	if stats.Some != nil {
		p.Some = fromPSILine(stats.Some)
	}
	if stats.Full != nil {
		full := fromPSILine(stats.Full)
		p.Full = &full
	}
	return p, nil
}

func fromPSILine(l *procfs.PSILine) PressureLine {
	return PressureLine{Avg10: l.Avg10, Avg60: l.Avg60, Avg300: l.Avg300, Total: l.Total}
}
