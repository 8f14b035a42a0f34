package trainer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var _ pflag.Value = (*Limit)(nil)

// Limit is either a batch count or a fraction of a loader's length.
// The zero value is unset and means the whole loader.
//
// In YAML an integer node is a count and a float node is a fraction, so
// `1` means one batch and `1.0` means every batch. On the command line the
// same rule applies to the text: a value containing '.' or an exponent is a
// fraction.
type Limit struct {
	count    int
	fraction float64
	isFrac   bool
	set      bool
}

// Batches returns a Limit of n batches.
func Batches(n int) Limit { return Limit{count: n, set: true} }

// Fraction returns a Limit of f (in [0, 1]) of the loader.
func Fraction(f float64) Limit { return Limit{fraction: f, isFrac: true, set: true} }

// IsSet reports whether the limit was given explicitly.
func (l Limit) IsSet() bool { return l.set }

// IsFraction reports whether the limit is a fraction.
func (l Limit) IsFraction() bool { return !l.set || l.isFrac }

// Count returns the batch count of a count limit.
func (l Limit) Count() int { return l.count }

// Value returns the fraction of a fraction limit (1.0 when unset).
func (l Limit) Value() float64 {
	if !l.set {
		return 1.0
	}
	if l.isFrac {
		return l.fraction
	}
	return float64(l.count)
}

func (l Limit) isFull() bool {
	return !l.set || (l.isFrac && l.fraction == 1.0)
}

func (l Limit) validate(name string) error {
	if !l.set {
		return nil
	}
	if l.isFrac {
		if math.IsNaN(l.fraction) || l.fraction < 0 || l.fraction > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1] when given as a float, got %v", ErrMisconfigured, name, l.fraction)
		}
		return nil
	}
	if l.count < 0 {
		return fmt.Errorf("%w: %s must be non-negative, got %d", ErrMisconfigured, name, l.count)
	}
	return nil
}

// Resolve returns how many batches to draw from a loader of length total.
// total < 0 means the loader length is unknown; the result is then -1
// (unbounded) for a full limit or the count for a count limit.
func (l Limit) Resolve(name string, total int) (int, error) {
	if err := l.validate(name); err != nil {
		return 0, err
	}
	if total < 0 {
		switch {
		case l.isFull():
			return -1, nil
		case l.isFrac && l.fraction == 0:
			return 0, nil
		case l.isFrac:
			return 0, fmt.Errorf("%w: %s=%v needs a loader of known length; use a batch count instead", ErrMisconfigured, name, l.fraction)
		default:
			return l.count, nil
		}
	}
	if l.isFull() {
		return total, nil
	}
	if !l.isFrac {
		return min(l.count, total), nil
	}
	n := int(float64(total) * l.fraction)
	if n == 0 && l.fraction > 0 && total > 0 {
		return 0, fmt.Errorf("%w: %s=%v of %d batches is less than one batch", ErrMisconfigured, name, l.fraction, total)
	}
	return n, nil
}

// ParseLimit parses "10" as a count and "0.25" or "1.0" as a fraction.
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Limit{}, nil
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Limit{}, fmt.Errorf("parsing limit %q: %w", s, err)
		}
		return Fraction(f), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Limit{}, fmt.Errorf("parsing limit %q: %w", s, err)
	}
	return Batches(n), nil
}

// String implements fmt.Stringer and pflag.Value.
func (l Limit) String() string {
	switch {
	case !l.set:
		return ""
	case l.isFrac:
		return formatFraction(l.fraction)
	default:
		return strconv.Itoa(l.count)
	}
}

// formatFraction always keeps a decimal point so the text parses back as a fraction.
func formatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Set implements pflag.Value.
func (l *Limit) Set(s string) error {
	parsed, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Type implements pflag.Value.
func (l *Limit) Type() string { return "limit" }

// UnmarshalYAML distinguishes integer and float nodes.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	switch node.ShortTag() {
	case "!!int":
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		*l = Batches(n)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*l = Fraction(f)
	case "!!null":
		*l = Limit{}
	default:
		return fmt.Errorf("line %d: limit must be an integer or a float, got %s", node.Line, node.ShortTag())
	}
	return nil
}

// MarshalYAML keeps the int/float distinction on output.
func (l Limit) MarshalYAML() (any, error) {
	switch {
	case !l.set:
		return nil, nil
	case l.isFrac:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: formatFraction(l.fraction)}, nil
	default:
		return l.count, nil
	}
}
