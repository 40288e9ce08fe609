// Package formschema evaluates the dynamic registration form attached to a
// ticket: which fields are displayed for a given submission, and whether the
// submitted values satisfy each displayed field.
//
// Everything in this package is pure. Schemas are parsed once when loaded
// from storage; evaluation never touches I/O or shared state.
package formschema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FieldType is the input kind of a form field.
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeTextarea FieldType = "textarea"
	TypeSelect   FieldType = "select"
	TypeRadio    FieldType = "radio"
	TypeCheckbox FieldType = "checkbox"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeTextarea, TypeSelect, TypeRadio, TypeCheckbox:
		return true
	}
	return false
}

// HasOptions reports whether values must come from the field's option set.
func (t FieldType) HasOptions() bool {
	return t == TypeSelect || t == TypeRadio || t == TypeCheckbox
}

// LocalizedText maps a locale tag to display text.
type LocalizedText map[string]string

const defaultLocale = "en"

// String returns the English text, falling back to the lexicographically
// first locale so the result is deterministic.
func (t LocalizedText) String() string {
	if len(t) == 0 {
		return ""
	}
	if s, ok := t[defaultLocale]; ok {
		return s
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return t[keys[0]]
}

// UnmarshalJSON accepts either a plain string or a locale map.
func (t *LocalizedText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = LocalizedText{defaultLocale: s}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("localized text: %w", err)
	}
	*t = m
	return nil
}

// Option is one allowed value of a select, radio or checkbox field.
// Value is what submissions are compared against, Label is for display.
type Option struct {
	Value string        `json:"value"`
	Label LocalizedText `json:"label,omitempty"`
}

// UnmarshalJSON normalizes the three stored option shapes: a plain string,
// an explicit {"value", "label"} object, or a bare localized object whose
// normalized value is its English (or first) text.
func (o *Option) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*o = Option{Value: s, Label: LocalizedText{defaultLocale: s}}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("option: %w", err)
	}
	if v, ok := raw["value"]; ok {
		var out Option
		if err := json.Unmarshal(v, &out.Value); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		if l, ok := raw["label"]; ok {
			if err := json.Unmarshal(l, &out.Label); err != nil {
				return fmt.Errorf("option label: %w", err)
			}
		}
		*o = out
		return nil
	}

	var label LocalizedText
	if err := json.Unmarshal(b, &label); err != nil {
		return fmt.Errorf("option: %w", err)
	}
	if len(label) == 0 {
		return fmt.Errorf("option: empty localized object")
	}
	*o = Option{Value: label.String(), Label: label}
	return nil
}

// Options is the typed option list of a field.
type Options []Option

// Contains reports whether v is one of the normalized option values.
func (opts Options) Contains(v string) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}

// Field is one entry of an event's (or ticket's) registration form.
type Field struct {
	ID          string        `json:"id"`
	EventID     string        `json:"eventId"`
	TicketID    *string       `json:"ticketId,omitempty"`
	Name        LocalizedText `json:"name"`
	Description LocalizedText `json:"description,omitempty"`
	Type        FieldType     `json:"type"`
	Required    bool          `json:"required"`
	Validater   string        `json:"validater,omitempty"`
	Values      Options       `json:"values,omitempty"`
	Filters     *Filter       `json:"filters,omitempty"`
	Order       int           `json:"order"`

	pattern    *regexp.Regexp
	patternErr error
}

// Label is the name used in error messages.
func (f *Field) Label() string {
	if s := f.Name.String(); s != "" {
		return s
	}
	return f.ID
}

// Prepare checks the field definition and compiles its validater. It is
// called once when the schema is loaded. A returned error describes a broken
// definition; the field stays usable and Validate reports it against that
// field alone.
func (f *Field) Prepare() error {
	f.pattern, f.patternErr = nil, nil
	if !f.Type.Valid() {
		return fmt.Errorf("field %s: unknown type %q", f.ID, f.Type)
	}
	if f.Validater != "" {
		re, err := compileValidater(f.Validater)
		if err != nil {
			f.patternErr = err
			return fmt.Errorf("field %s: %w", f.ID, err)
		}
		f.pattern = re
	}
	return nil
}

func (f *Field) matcher() (*regexp.Regexp, error) {
	if f.patternErr != nil {
		return nil, f.patternErr
	}
	if f.pattern != nil {
		return f.pattern, nil
	}
	return compileValidater(f.Validater)
}

// compileValidater accepts a bare pattern or the "/pattern/flags" literal
// form used by form builders. Supported flags are i, m and s.
func compileValidater(expr string) (*regexp.Regexp, error) {
	pattern := expr
	if strings.HasPrefix(expr, "/") {
		if end := strings.LastIndex(expr, "/"); end > 0 {
			pattern = expr[1:end]
			var flags strings.Builder
			for _, c := range expr[end+1:] {
				switch c {
				case 'i', 'm', 's':
					flags.WriteRune(c)
				case 'g', 'u':
				default:
					return nil, fmt.Errorf("validater %q: unsupported flag %q", expr, c)
				}
			}
			if flags.Len() > 0 {
				pattern = "(?" + flags.String() + ")" + pattern
			}
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("validater %q: %w", expr, err)
	}
	return re, nil
}

// AppliesToTicket reports whether the field belongs to the schema of the
// given ticket. Event-wide fields have no ticket binding.
func (f *Field) AppliesToTicket(ticketID string) bool {
	return f.TicketID == nil || *f.TicketID == ticketID
}

// Sort orders fields by their declared order, then by id.
func Sort(fields []Field) {
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].Order != fields[j].Order {
			return fields[i].Order < fields[j].Order
		}
		return fields[i].ID < fields[j].ID
	})
}
