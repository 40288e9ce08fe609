package formschema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Action decides what a matching filter does to its field.
type Action string

const (
	ActionDisplay Action = "display"
	ActionHide    Action = "hide"
)

// Operator combines condition results.
type Operator string

const (
	OperatorAnd Operator = "and"
	OperatorOr  Operator = "or"
)

// Filter is a conditional-display rule attached to a field.
type Filter struct {
	Enabled    bool       `json:"enabled"`
	Action     Action     `json:"action"`
	Operator   Operator   `json:"operator"`
	Conditions Conditions `json:"conditions"`
}

// UnmarshalJSON applies defaults and rejects unknown actions or operators.
func (f *Filter) UnmarshalJSON(b []byte) error {
	type rawFilter Filter
	var raw rawFilter
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	switch raw.Action {
	case "":
		raw.Action = ActionDisplay
	case ActionDisplay, ActionHide:
	default:
		return fmt.Errorf("filter: unknown action %q", raw.Action)
	}
	switch raw.Operator {
	case "":
		raw.Operator = OperatorAnd
	case OperatorAnd, OperatorOr:
	default:
		return fmt.Errorf("filter: unknown operator %q", raw.Operator)
	}
	*f = Filter(raw)
	return nil
}

// ConditionType discriminates the condition union.
type ConditionType string

const (
	ConditionTicket ConditionType = "ticket"
	ConditionField  ConditionType = "field"
	ConditionTime   ConditionType = "time"
)

// Condition is one of TicketCondition, FieldCondition or TimeCondition.
type Condition interface {
	Type() ConditionType
	holds(s *snapshot) bool
}

// snapshot is the complete submission a filter is evaluated against.
type snapshot struct {
	ticketID string
	data     map[string]any
	fields   map[string]struct{}
	now      time.Time
}

// TicketCondition holds when the chosen ticket is TicketID.
// An empty TicketID always holds.
type TicketCondition struct {
	TicketID string `json:"ticketId,omitempty"`
}

func (TicketCondition) Type() ConditionType { return ConditionTicket }

func (c TicketCondition) holds(s *snapshot) bool {
	return c.TicketID == "" || c.TicketID == s.ticketID
}

// FieldOperator tests another field's submitted value.
type FieldOperator string

const (
	FieldFilled    FieldOperator = "filled"
	FieldNotFilled FieldOperator = "notFilled"
	FieldEquals    FieldOperator = "equals"
)

// FieldCondition inspects the submitted value of another field.
type FieldCondition struct {
	FieldID  string        `json:"fieldId"`
	Operator FieldOperator `json:"operator"`
	Value    string        `json:"value,omitempty"`
}

func (FieldCondition) Type() ConditionType { return ConditionField }

func (c FieldCondition) holds(s *snapshot) bool {
	if _, ok := s.fields[c.FieldID]; !ok {
		return false
	}
	v := s.data[c.FieldID]
	switch c.Operator {
	case FieldFilled:
		return IsFilled(v)
	case FieldNotFilled:
		return !IsFilled(v)
	case FieldEquals:
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if stringify(item) == c.Value {
					return true
				}
			}
			return false
		}
		return IsFilled(v) && stringify(v) == c.Value
	}
	return false
}

// TimeCondition holds while now is inside [StartTime, EndTime].
// Either bound may be absent.
type TimeCondition struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

func (TimeCondition) Type() ConditionType { return ConditionTime }

func (c TimeCondition) holds(s *snapshot) bool {
	if c.StartTime != nil && s.now.Before(*c.StartTime) {
		return false
	}
	if c.EndTime != nil && s.now.After(*c.EndTime) {
		return false
	}
	return true
}

// Conditions is a list of tagged conditions.
type Conditions []Condition

// UnmarshalJSON decodes each element by its "type" tag.
func (cs *Conditions) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	out := make(Conditions, 0, len(raws))
	for i, raw := range raws {
		var tag struct {
			Type ConditionType `json:"type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		switch tag.Type {
		case ConditionTicket:
			var c TicketCondition
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			out = append(out, c)
		case ConditionField:
			var c FieldCondition
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			switch c.Operator {
			case FieldFilled, FieldNotFilled, FieldEquals:
			default:
				return fmt.Errorf("condition %d: unknown field operator %q", i, c.Operator)
			}
			out = append(out, c)
		case ConditionTime:
			var c TimeCondition
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			out = append(out, c)
		default:
			return fmt.Errorf("condition %d: unknown type %q", i, tag.Type)
		}
	}
	*cs = out
	return nil
}

// MarshalJSON writes each condition with its "type" tag.
func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		switch c := c.(type) {
		case TicketCondition:
			out = append(out, struct {
				Type ConditionType `json:"type"`
				TicketCondition
			}{c.Type(), c})
		case FieldCondition:
			out = append(out, struct {
				Type ConditionType `json:"type"`
				FieldCondition
			}{c.Type(), c})
		case TimeCondition:
			out = append(out, struct {
				Type ConditionType `json:"type"`
				TimeCondition
			}{c.Type(), c})
		default:
			return nil, fmt.Errorf("conditions: unsupported %T", c)
		}
	}
	return json.Marshal(out)
}

// ShouldDisplay reports whether field is shown for a submission of data
// against ticketID at time now. The whole snapshot is consulted, so a filter
// may depend on any field regardless of declaration order.
func ShouldDisplay(field Field, ticketID string, data map[string]any, all []Field, now time.Time) bool {
	return newSnapshot(ticketID, data, all, now).display(&field)
}

func newSnapshot(ticketID string, data map[string]any, all []Field, now time.Time) *snapshot {
	fields := make(map[string]struct{}, len(all))
	for i := range all {
		fields[all[i].ID] = struct{}{}
	}
	return &snapshot{ticketID: ticketID, data: data, fields: fields, now: now}
}

func (s *snapshot) display(field *Field) bool {
	f := field.Filters
	if f == nil || !f.Enabled {
		return true
	}

	var matched bool
	switch f.Operator {
	case OperatorOr:
		matched = false
		for _, c := range f.Conditions {
			if c.holds(s) {
				matched = true
				break
			}
		}
	default:
		matched = true
		for _, c := range f.Conditions {
			if !c.holds(s) {
				matched = false
				break
			}
		}
	}

	if f.Action == ActionHide {
		return !matched
	}
	return matched
}

// IsFilled reports whether a submitted value counts as answered: present,
// not an empty string, not an empty array and not an empty object.
func IsFilled(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	}
	return fmt.Sprint(v)
}
