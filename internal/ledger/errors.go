package ledger

import "strings"

// FieldError is one validation violation, addressed to the document field
// that caused it. The web and mobile clients render these as a per-field
// error map, so Field names follow the JSON shape of the draft request
// ("items[2].quantity", "cash_entries[0].currency_id", ...).
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors aggregates every violation found in a draft so callers
// see all of them at once instead of fixing one per round trip.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
