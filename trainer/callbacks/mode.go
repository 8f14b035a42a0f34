// Package callbacks provides the built-in trainer callbacks: checkpointing,
// early stopping, learning-rate monitoring and progress reporting.
package callbacks

import (
	"fmt"
	"math"
)

// Mode says whether a monitored metric improves by decreasing or increasing.
type Mode string

const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// validModes maps accepted mode strings.
var validModes = map[Mode]bool{ModeMin: true, ModeMax: true, "": true}

func (m Mode) validate() error {
	if !validModes[m] {
		return fmt.Errorf("unknown mode %q; valid: min, max", m)
	}
	return nil
}

// better reports whether a is strictly better than b.
func (m Mode) better(a, b float64) bool {
	if m == ModeMax {
		return a > b
	}
	return a < b
}

// worst is the initial best score.
func (m Mode) worst() float64 {
	if m == ModeMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

func (m Mode) orDefault() Mode {
	if m == "" {
		return ModeMin
	}
	return m
}
