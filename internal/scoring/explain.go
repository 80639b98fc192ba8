package scoring

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/cartrouter/internal/model"
)

type contribution struct {
	criterion string
	value     float64
	phrase    string
}

// Explain describes why sq ranked where it did, naming the one or two
// sub-scores that contributed most under weights w.
func Explain(sq model.ScoredQuote, w Weights, candidates int) string {
	b := sq.Breakdown
	parts := []contribution{
		{"price", w.Price * b.Price, level(b.Price, "lowest price", "competitive price", "higher price")},
		{"speed", w.Speed * b.Speed, level(b.Speed, "fastest delivery", "quick delivery", "slower delivery")},
		{"availability", w.Availability * b.Availability, level(b.Availability, "full availability", "high availability", "partial availability")},
		{"reliability", w.Reliability * b.Reliability, level(b.Reliability, "strong reliability record", "steady reliability record", "limited reliability record")},
		{"commission", w.Commission * b.Commission, "partner commission"},
		{"priority", w.Priority * b.Priority, "operator preference"},
	}
	slices.SortStableFunc(parts, func(x, y contribution) int { return cmpDesc(x.value, y.value) })

	var phrases []string
	for _, p := range parts {
		// Ignore terms that barely moved the score.
		if p.value <= Epsilon || p.value < 0.05*sq.Score {
			continue
		}
		phrases = append(phrases, p.phrase)
		if len(phrases) == 2 {
			break
		}
	}

	reason := strings.Join(phrases, " and ")
	switch {
	case candidates <= 1 && reason == "":
		return "selected as the only valid quote"
	case candidates <= 1:
		return "selected as the only valid quote, with " + reason
	case reason == "":
		if sq.Rank <= 1 {
			return "selected on tie-break order"
		}
		return fmt.Sprintf("ranked #%d on tie-break order", sq.Rank)
	case sq.Rank <= 1:
		return "selected for " + reason
	default:
		return fmt.Sprintf("ranked #%d for %s", sq.Rank, reason)
	}
}

func level(v float64, top, high, low string) string {
	switch {
	case v >= 1-Epsilon:
		return top
	case v >= 0.5:
		return high
	default:
		return low
	}
}
