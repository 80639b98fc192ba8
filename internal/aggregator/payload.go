package aggregator

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/provider"
)

// ValidationError reports a malformed routing request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// BuildPayload normalizes the caller's items and address into the request
// shared by every provider attempt. Items without an id get one derived from
// the folded name and the item's position, so "Crème Brûlée" at index 2
// becomes "creme-brulee-2".
func BuildPayload(requestID string, items []model.RequestedItem, addr model.Address) (provider.QuoteRequest, error) {
	var problems []string
	if len(items) == 0 {
		problems = append(problems, "items must not be empty")
	}

	// Caller ids are reserved first so a generated id never takes one.
	taken := make(map[string]bool, len(items))
	for _, it := range items {
		if id := strings.TrimSpace(it.ID); id != "" {
			taken[id] = true
		}
	}

	out := make([]model.RequestedItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		it.Name = strings.Join(strings.Fields(it.Name), " ")
		if it.Name == "" {
			problems = append(problems, fmt.Sprintf("items[%d]: name is required", i))
			continue
		}
		switch {
		case it.Quantity < 0:
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be positive", i))
			continue
		case it.Quantity == 0:
			it.Quantity = 1
		}
		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" {
			it.ID = freeID(itemID(it.Name, i), taken)
			taken[it.ID] = true
		}
		if seen[it.ID] {
			problems = append(problems, fmt.Sprintf("items[%d]: duplicate id %q", i, it.ID))
			continue
		}
		seen[it.ID] = true
		it.Unit = strings.TrimSpace(it.Unit)
		out = append(out, it)
	}

	addr = normalizeAddress(addr)
	if addr.PostalCode == "" {
		problems = append(problems, "shippingAddress.postalCode is required")
	}
	if addr.Country == "" {
		problems = append(problems, "shippingAddress.country is required")
	}
	if addr.City == "" {
		problems = append(problems, "shippingAddress.city is required")
	}

	if len(problems) > 0 {
		return provider.QuoteRequest{}, &ValidationError{Problems: problems}
	}
	return provider.QuoteRequest{
		RequestID: requestID,
		Items:     out,
		Address:   addr,
		Region:    addr.Region(),
	}, nil
}

func normalizeAddress(a model.Address) model.Address {
	return model.Address{
		Street:     strings.Join(strings.Fields(a.Street), " "),
		City:       strings.Join(strings.Fields(a.City), " "),
		State:      strings.ToUpper(strings.TrimSpace(a.State)),
		PostalCode: strings.ToUpper(strings.TrimSpace(a.PostalCode)),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}

// freeID returns base, or base with the first numeric suffix not in taken.
func freeID(base string, taken map[string]bool) string {
	id := base
	for n := 2; taken[id]; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	return id
}

func itemID(name string, index int) string {
	// Chained transformers carry state, so each call builds its own.
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "item"
	}
	return slug + "-" + strconv.Itoa(index)
}
