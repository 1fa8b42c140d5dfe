package op

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestPending_IncrementThenDecrement(t *testing.T) {
	var p Pending
	if err := p.Register("score", Increment{Amount: 10}); err != nil {
		t.Fatal(err)
	}
	if err := p.Register("score", NewDecrement(3)); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(&p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"score":{"__op":"Increment","amount":7}}` {
		t.Fatalf("unexpected body: %s", b)
	}
}

func TestPending_IncrementMerge(t *testing.T) {
	var p Pending
	p.Register("n", Increment{Amount: 5})
	p.Register("n", Increment{Amount: 3})
	if p.Len() != 1 {
		t.Fatalf("expected a single pending op, got %d", p.Len())
	}
	b, _ := json.Marshal(&p)
	if string(b) != `{"n":{"__op":"Increment","amount":8}}` {
		t.Fatalf("unexpected body: %s", b)
	}
}

func TestPending_ConflictLeavesPendingUntouched(t *testing.T) {
	var p Pending
	if err := p.Register("tags", NewAdd("a")); err != nil {
		t.Fatal(err)
	}
	err := p.Register("tags", NewAdd("b"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Field != "tags" {
		t.Fatalf("conflict should name the field, got %v", err)
	}

	o, ok := p.Get("tags")
	if !ok {
		t.Fatal("pending op disappeared")
	}
	if !reflect.DeepEqual(o, NewAdd("a")) {
		t.Fatalf("pending op was modified: %#v", o)
	}
}

func TestPending_ApplyTo(t *testing.T) {
	var p Pending
	p.Register("score", Increment{Amount: 5})
	p.Register("gone", Delete{})
	p.Register("tags", NewAddUnique("x", "y"))

	server := map[string]any{"score": 10.0, "gone": "bye", "tags": []any{"y"}, "name": "n"}
	got := p.ApplyTo(server)

	want := map[string]any{"score": 15.0, "tags": []any{"y", "x"}, "name": "n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ApplyTo = %#v, want %#v", got, want)
	}
	if server["gone"] != "bye" {
		t.Fatal("ApplyTo must not modify its input")
	}
}

func TestPending_Revert(t *testing.T) {
	var p Pending
	p.Register("a", Increment{Amount: 1})
	p.Register("b", Increment{Amount: 1})

	p.Revert("a")
	if got := p.Fields(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("unexpected fields after revert: %v", got)
	}

	p.Revert()
	if p.Len() != 0 {
		t.Fatal("Revert() should clear everything")
	}
	b, _ := json.Marshal(&p)
	if string(b) != "{}" {
		t.Fatalf("unexpected empty body: %s", b)
	}
}
