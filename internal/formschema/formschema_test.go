package formschema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func parseFields(t *testing.T, src string) []Field {
	t.Helper()
	var fields []Field
	require.NoError(t, json.Unmarshal([]byte(src), &fields))
	for i := range fields {
		require.NoError(t, fields[i].Prepare())
	}
	return fields
}

func TestShouldDisplay_TicketCondition(t *testing.T) {
	t.Parallel()

	fields := parseFields(t, `[
		{"id":"F","name":"Shirt size","type":"text","required":true,
		 "filters":{"enabled":true,"action":"display","operator":"and",
		            "conditions":[{"type":"ticket","ticketId":"A"}]}}
	]`)

	assert.False(t, ShouldDisplay(fields[0], "B", map[string]any{}, fields, now))
	assert.True(t, ShouldDisplay(fields[0], "A", map[string]any{}, fields, now))

	errs := Validate(fields, "B", map[string]any{}, now)
	assert.True(t, errs.Empty(), "hidden field must not be required, got %v", errs)

	errs = Validate(fields, "A", map[string]any{}, now)
	assert.Equal(t, []string{"Shirt size is required"}, errs["F"])
}

func TestShouldDisplay_Conditions(t *testing.T) {
	t.Parallel()

	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	past := now.Add(-2 * time.Hour)

	base := []Field{
		{ID: "diet", Type: TypeSelect, Values: Options{{Value: "vegan"}, {Value: "none"}}},
		{ID: "topics", Type: TypeCheckbox, Values: Options{{Value: "go"}, {Value: "rust"}}},
	}

	tests := []struct {
		name   string
		filter Filter
		data   map[string]any
		want   bool
	}{
		{
			name:   "disabled filter always displays",
			filter: Filter{Enabled: false, Action: ActionHide, Conditions: Conditions{TicketCondition{TicketID: "x"}}},
			want:   true,
		},
		{
			name:   "ticket condition without id always holds",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{TicketCondition{}}},
			want:   true,
		},
		{
			name:   "field filled",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "diet", Operator: FieldFilled}}},
			data:   map[string]any{"diet": "vegan"},
			want:   true,
		},
		{
			name:   "field filled with empty array",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "topics", Operator: FieldFilled}}},
			data:   map[string]any{"topics": []any{}},
			want:   false,
		},
		{
			name:   "field not filled",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "diet", Operator: FieldNotFilled}}},
			data:   map[string]any{"diet": ""},
			want:   true,
		},
		{
			name:   "field equals scalar",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "diet", Operator: FieldEquals, Value: "vegan"}}},
			data:   map[string]any{"diet": "vegan"},
			want:   true,
		},
		{
			name:   "field equals array element",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "topics", Operator: FieldEquals, Value: "rust"}}},
			data:   map[string]any{"topics": []any{"go", "rust"}},
			want:   true,
		},
		{
			name:   "unknown referenced field never holds",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{FieldCondition{FieldID: "ghost", Operator: FieldNotFilled}}},
			want:   false,
		},
		{
			name:   "time window open",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{TimeCondition{StartTime: &start, EndTime: &end}}},
			want:   true,
		},
		{
			name:   "time window closed",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{TimeCondition{EndTime: &past}}},
			want:   false,
		},
		{
			name: "or combines",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorOr, Conditions: Conditions{
				TicketCondition{TicketID: "other"},
				FieldCondition{FieldID: "diet", Operator: FieldEquals, Value: "vegan"},
			}},
			data: map[string]any{"diet": "vegan"},
			want: true,
		},
		{
			name: "and requires all",
			filter: Filter{Enabled: true, Action: ActionDisplay, Operator: OperatorAnd, Conditions: Conditions{
				TicketCondition{TicketID: "other"},
				FieldCondition{FieldID: "diet", Operator: FieldEquals, Value: "vegan"},
			}},
			data: map[string]any{"diet": "vegan"},
			want: false,
		},
		{
			name:   "hide inverts",
			filter: Filter{Enabled: true, Action: ActionHide, Operator: OperatorAnd, Conditions: Conditions{TicketCondition{TicketID: "t1"}}},
			want:   false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			filter := tt.filter
			f := Field{ID: "target", Type: TypeText, Filters: &filter}
			all := append([]Field{f}, base...)
			assert.Equal(t, tt.want, ShouldDisplay(f, "t1", tt.data, all, now))
		})
	}
}

func TestShouldDisplay_OrderIndependent(t *testing.T) {
	t.Parallel()

	fields := parseFields(t, `[
		{"id":"first","type":"text","filters":{"enabled":true,"conditions":[{"type":"field","fieldId":"last","operator":"equals","value":"yes"}]}},
		{"id":"middle","type":"text"},
		{"id":"last","type":"radio","values":["yes","no"]}
	]`)
	data := map[string]any{"last": "yes"}

	reversed := []Field{fields[2], fields[1], fields[0]}
	for i := 0; i < 10; i++ {
		assert.True(t, ShouldDisplay(fields[0], "t", data, fields, now))
		assert.True(t, ShouldDisplay(fields[0], "t", data, reversed, now))
	}
}

func TestValidate_Types(t *testing.T) {
	t.Parallel()

	fields := parseFields(t, `[
		{"id":"name","name":{"en":"Name","zh-Hant":"姓名"},"type":"text","required":true},
		{"id":"phone","name":"Phone","type":"text","validater":"^[0-9]{10}$"},
		{"id":"nick","name":"Nickname","type":"text","validater":"/^[a-z]+$/i"},
		{"id":"size","name":"Size","type":"select","values":[{"en":"Small","zh-Hant":"小"},{"en":"Large","zh-Hant":"大"}]},
		{"id":"meal","name":"Meal","type":"radio","values":[{"value":"veg","label":{"en":"Vegetarian"}},"meat"]},
		{"id":"topics","name":"Topics","type":"checkbox","values":["go","rust"],"required":true},
		{"id":"bio","name":"Bio","type":"textarea"}
	]`)

	t.Run("valid submission", func(t *testing.T) {
		errs := Validate(fields, "t", map[string]any{
			"name":   "Ada",
			"phone":  "0912345678",
			"nick":   "ADA",
			"size":   "Large",
			"meal":   "veg",
			"topics": []any{"go"},
		}, now)
		assert.True(t, errs.Empty(), "unexpected errors: %v", errs)
	})

	t.Run("invalid submission", func(t *testing.T) {
		errs := Validate(fields, "t", map[string]any{
			"name":   "",
			"phone":  "12",
			"nick":   "ada1",
			"size":   "大",
			"meal":   "fish",
			"topics": []any{"go", "java"},
			"bio":    42.0,
		}, now)
		assert.Equal(t, []string{"Name is required"}, errs["name"])
		assert.Len(t, errs["phone"], 1)
		assert.Len(t, errs["nick"], 1)
		assert.Len(t, errs["size"], 1, "display label is not an accepted value")
		assert.Len(t, errs["meal"], 1)
		assert.Len(t, errs["topics"], 1)
		assert.Len(t, errs["bio"], 1)
	})

	t.Run("required short-circuits", func(t *testing.T) {
		errs := Validate(fields, "t", map[string]any{"name": "Ada", "topics": []any{}}, now)
		assert.Equal(t, []string{"Topics is required"}, errs["topics"])
	})

	t.Run("checkbox must be an array", func(t *testing.T) {
		errs := Validate(fields, "t", map[string]any{"name": "Ada", "topics": "go"}, now)
		assert.Len(t, errs["topics"], 1)
	})
}

func TestClean_DropsHiddenAndUnknown(t *testing.T) {
	t.Parallel()

	fields := parseFields(t, `[
		{"id":"a","type":"text"},
		{"id":"b","type":"text","filters":{"enabled":true,"action":"hide","conditions":[{"type":"ticket","ticketId":"t"}]}}
	]`)
	got := Clean(fields, "t", map[string]any{"a": "1", "b": "2", "zzz": "3"}, now)
	assert.Equal(t, map[string]any{"a": "1"}, got)
}

func TestFilterJSON(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		var f Filter
		require.NoError(t, json.Unmarshal([]byte(`{"enabled":true,"conditions":[]}`), &f))
		assert.Equal(t, ActionDisplay, f.Action)
		assert.Equal(t, OperatorAnd, f.Operator)
	})

	t.Run("rejects unknown condition", func(t *testing.T) {
		var f Filter
		err := json.Unmarshal([]byte(`{"enabled":true,"conditions":[{"type":"weather"}]}`), &f)
		assert.Error(t, err)
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		var f Filter
		err := json.Unmarshal([]byte(`{"enabled":true,"action":"blink","conditions":[]}`), &f)
		assert.Error(t, err)
	})

	t.Run("conditions keep their tags", func(t *testing.T) {
		src := `{"enabled":true,"action":"hide","operator":"or","conditions":[{"type":"ticket","ticketId":"A"},{"type":"field","fieldId":"x","operator":"equals","value":"1"}]}`
		var f Filter
		require.NoError(t, json.Unmarshal([]byte(src), &f))
		out, err := json.Marshal(f)
		require.NoError(t, err)

		var again Filter
		require.NoError(t, json.Unmarshal(out, &again))
		assert.Equal(t, f, again)
		assert.Contains(t, string(out), `"type":"field"`)
	})
}

func TestField_Prepare(t *testing.T) {
	t.Parallel()

	bad := Field{ID: "x", Type: "date"}
	assert.Error(t, bad.Prepare())

	badRe := Field{ID: "y", Type: TypeText, Validater: "(["}
	assert.Error(t, badRe.Prepare())

	ok := Field{ID: "z", Type: TypeText, Validater: "/^a/i"}
	require.NoError(t, ok.Prepare())
	re, err := ok.matcher()
	require.NoError(t, err)
	assert.True(t, re.MatchString("Abc"))
}

func TestValidate_UnsupportedValidaterIsolatedToField(t *testing.T) {
	t.Parallel()

	fields := []Field{
		{ID: "password", Name: LocalizedText{"en": "Password"}, Type: TypeText, Validater: `^(?=.*[A-Z]).+$`},
		{ID: "nickname", Name: LocalizedText{"en": "Nickname"}, Type: TypeText, Required: true, Validater: `^.{1,5}$`},
	}
	require.Error(t, fields[0].Prepare(), "lookahead is not RE2")
	require.NoError(t, fields[1].Prepare())

	errs := Validate(fields, "", map[string]any{"password": "Secret", "nickname": "toolongname"}, now)
	assert.Equal(t, []string{"Password has an invalid format rule"}, errs["password"])
	assert.Equal(t, []string{"Nickname has an invalid format"}, errs["nickname"])

	errs = Validate(fields, "", map[string]any{"nickname": "ok"}, now)
	assert.True(t, errs.Empty(), "an optional field left empty is not checked, got %v", errs)
}
