package scoring

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Mode is the optimization objective for a ranking.
type Mode string

const (
	ModeBalanced Mode = "balanced"
	ModePrice    Mode = "price"
	ModeSpeed    Mode = "speed"
	ModeMargin   Mode = "margin"
)

// ParseMode validates a caller-supplied mode. Empty selects balanced.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBalanced, nil
	case ModeBalanced, ModePrice, ModeSpeed, ModeMargin:
		return m, nil
	default:
		return "", eris.Errorf("scoring: unknown optimization mode %q (want price, speed, margin or balanced)", s)
	}
}

// Weights is the weight vector applied to the normalized sub-scores.
type Weights struct {
	Priority     float64 `mapstructure:"priority" json:"priority"`
	Price        float64 `mapstructure:"price" json:"price"`
	Speed        float64 `mapstructure:"speed" json:"speed"`
	Commission   float64 `mapstructure:"commission" json:"commission"`
	Availability float64 `mapstructure:"availability" json:"availability"`
	Reliability  float64 `mapstructure:"reliability" json:"reliability"`
}

// DefaultWeights returns the balanced weight vector. Weights sum to 1.
func DefaultWeights() Weights {
	return Weights{
		Priority:     0.15,
		Price:        0.30,
		Speed:        0.20,
		Commission:   0.10,
		Availability: 0.15,
		Reliability:  0.10,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Priority + w.Price + w.Speed + w.Commission + w.Availability + w.Reliability
}

// ForMode derives the weights used for mode. Balanced uses w unchanged; the
// focused modes keep only their own criterion. Priority then acts purely as
// a tie-break in Rank.
func (w Weights) ForMode(mode Mode) Weights {
	switch mode {
	case ModePrice:
		return Weights{Price: 1}
	case ModeSpeed:
		return Weights{Speed: 1}
	case ModeMargin:
		return Weights{Commission: 1}
	default:
		return w
	}
}

// Focused reports whether mode optimizes a single criterion.
func (m Mode) Focused() bool {
	return m == ModePrice || m == ModeSpeed || m == ModeMargin
}

// ValidateWeights checks that a weight vector is usable.
func ValidateWeights(w Weights) error {
	var errs []string

	weights := []struct {
		name string
		v    float64
	}{
		{"priority", w.Priority},
		{"price", w.Price},
		{"speed", w.Speed},
		{"commission", w.Commission},
		{"availability", w.Availability},
		{"reliability", w.Reliability},
	}
	for _, x := range weights {
		if x.v < 0 {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", x.name))
		}
	}
	if w.Sum() <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scoring: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
