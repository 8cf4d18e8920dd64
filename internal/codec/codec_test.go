package codec

import (
	"reflect"
	"testing"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

func TestDecodeField(t *testing.T) {
	for _, tc := range []struct {
		name  string
		field string
		in    any
		want  any
	}{
		{"ChildIDsText", model.FieldChildIDs, `["a","b"]`, []any{"a", "b"}},
		{"ChildIDsMalformed", model.FieldChildIDs, `["a",`, []any{}},
		{"ChildIDsWrongShape", model.FieldChildIDs, `{"a":1}`, []any{}},
		{"ChildIDsTyped", model.FieldChildIDs, []string{"x"}, []any{"x"}},
		{"CostsText", model.FieldCosts, `{"fixed":10}`, map[string]any{"fixed": 10.0}},
		{"CostsMalformed", model.FieldCosts, `nope`, map[string]any{}},
		{"CostsArray", model.FieldCosts, []any{1}, map[string]any{}},
		{"AllocationsBytes", model.FieldTeamAllocations, []byte(`[{"teamId":"t"}]`), []any{map[string]any{"teamId": "t"}}},
		{"AlreadyDecoded", model.FieldRoster, []any{"m1"}, []any{"m1"}},
		{"Nil", model.FieldChildIDs, nil, nil},
		{"PlainField", model.FieldTitle, `["not","parsed"]`, `["not","parsed"]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeField(tc.field, tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("DecodeField(%s, %v) = %#v, want %#v", tc.field, tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeField(t *testing.T) {
	got, err := EncodeField(model.FieldChildIDs, []any{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `["a","b"]` {
		t.Errorf("EncodeField = %v", got)
	}

	got, err = EncodeField(model.FieldOriginalEstimate, 12.0)
	if err != nil || got != 12.0 {
		t.Errorf("EncodeField(plain) = %v, %v", got, err)
	}

	if _, err := EncodeField(model.FieldCosts, map[string]any{"bad": func() {}}); err == nil {
		t.Error("expected error for unserialisable value")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	data := map[string]any{
		model.FieldTitle:           "Checkout",
		model.FieldChildIDs:        []any{"c1"},
		model.FieldTeamAllocations: []any{map[string]any{"teamId": "t1", "requestedHours": 8.0}},
	}
	b, err := Marshal(data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("Unmarshal(Marshal(x)) = %#v, want %#v", got, data)
	}
}

func TestUnmarshal_Edges(t *testing.T) {
	if got, err := Unmarshal(nil); err != nil || len(got) != 0 {
		t.Errorf("Unmarshal(nil) = %v, %v", got, err)
	}
	if got, err := Unmarshal([]byte("null")); err != nil || got == nil {
		t.Errorf("Unmarshal(null) = %v, %v", got, err)
	}
	if _, err := Unmarshal([]byte("[1]")); err == nil {
		t.Error("expected error for non-object document")
	}
	got, err := Unmarshal([]byte(`{"childIds":"[broken"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got[model.FieldChildIDs], []any{}) {
		t.Errorf("malformed childIds = %#v, want empty", got[model.FieldChildIDs])
	}
}
