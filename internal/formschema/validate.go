package formschema

import (
	"fmt"
	"time"
)

// Errors maps a field id to its human-readable problems.
// An empty mapping means the submission is valid.
type Errors map[string][]string

// Add records msg against field id.
func (e Errors) Add(id, msg string) {
	e[id] = append(e[id], msg)
}

// Empty reports whether no error was recorded.
func (e Errors) Empty() bool {
	return len(e) == 0
}

// Validate checks data against fields in schema order. Only fields that are
// displayed for this submission are checked; a hidden field is never
// required.
func Validate(fields []Field, ticketID string, data map[string]any, now time.Time) Errors {
	errs := Errors{}
	snap := newSnapshot(ticketID, data, fields, now)
	for i := range fields {
		f := &fields[i]
		if !snap.display(f) {
			continue
		}
		validateField(f, data[f.ID], errs)
	}
	return errs
}

func validateField(f *Field, v any, errs Errors) {
	if !IsFilled(v) {
		if f.Required {
			errs.Add(f.ID, fmt.Sprintf("%s is required", f.Label()))
		}
		return
	}

	switch f.Type {
	case TypeText, TypeTextarea:
		s, ok := v.(string)
		if !ok {
			errs.Add(f.ID, fmt.Sprintf("%s must be text", f.Label()))
			return
		}
		if f.Validater == "" {
			return
		}
		re, err := f.matcher()
		if err != nil {
			errs.Add(f.ID, fmt.Sprintf("%s has an invalid format rule", f.Label()))
			return
		}
		if !re.MatchString(s) {
			errs.Add(f.ID, fmt.Sprintf("%s has an invalid format", f.Label()))
		}

	case TypeSelect, TypeRadio:
		s, ok := v.(string)
		if !ok || !f.Values.Contains(s) {
			errs.Add(f.ID, fmt.Sprintf("%s must be one of the listed options", f.Label()))
		}

	case TypeCheckbox:
		list, ok := v.([]any)
		if !ok {
			errs.Add(f.ID, fmt.Sprintf("%s must be a list of options", f.Label()))
			return
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok || !f.Values.Contains(s) {
				errs.Add(f.ID, fmt.Sprintf("%s contains an option that is not listed: %v", f.Label(), item))
			}
		}

	default:
		errs.Add(f.ID, fmt.Sprintf("%s has an unsupported type", f.Label()))
	}
}

// Clean returns the subset of data that belongs to known fields displayed
// for this submission. Values for hidden or unknown fields are dropped.
func Clean(fields []Field, ticketID string, data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	snap := newSnapshot(ticketID, data, fields, now)
	for i := range fields {
		f := &fields[i]
		v, ok := data[f.ID]
		if !ok || !snap.display(f) {
			continue
		}
		out[f.ID] = v
	}
	return out
}
