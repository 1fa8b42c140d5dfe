package op

import (
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		input string
		want  Op
	}{
		{`{"__op":"Delete"}`, Delete{}},
		{`{"__op":"Increment","amount":5}`, Increment{Amount: 5}},
		{`{"__op":"Decrement","amount":3}`, Increment{Amount: -3}},
		{`{"__op":"Add","objects":[1,"a"]}`, Add{Objects: []any{1.0, "a"}}},
		{`{"__op":"AddUnique","objects":[1,1,2]}`, AddUnique{Objects: []any{1.0, 2.0}}},
		{`{"__op":"Remove","objects":["x"]}`, Remove{Objects: []any{"x"}}},
		{`42`, Set{Value: 42.0}},
		{`{"name":"plain"}`, Set{Value: map[string]any{"name": "plain"}}},
	}
	for _, tt := range tests {
		got, err := Decode([]byte(tt.input))
		if err != nil {
			t.Errorf("Decode(%s) error: %v", tt.input, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Decode(%s) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, input := range []string{
		`{"__op":"Increment"}`,
		`{"__op":"Add","objects":"nope"}`,
		`{"__op":"Batch"}`,
		`{not json`,
	} {
		if _, err := Decode([]byte(input)); err == nil {
			t.Errorf("Decode(%s) should fail", input)
		}
	}
}

func TestDecode_RoundTripsWireForm(t *testing.T) {
	for _, o := range []Op{Increment{Amount: 8}, NewDecrement(2), NewAddUnique("a", "b"), Delete{}} {
		b, err := o.MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		back, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if back.Kind() != o.Kind() {
			t.Errorf("kind changed: %s -> %s", o.Kind(), back.Kind())
		}
	}
}
