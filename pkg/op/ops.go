package op

import "encoding/json"

// Set assigns a value outright. Like Delete it overrides whatever is pending.
type Set struct {
	Value any
}

func (o Set) Kind() Kind { return KindSet }

func (o Set) Apply(any) any { return o.Value }

func (o Set) Merge(Op) (Op, error) { return o, nil }

func (o Set) MarshalJSON() ([]byte, error) { return json.Marshal(o.Value) }

// Delete removes the field.
type Delete struct{}

func (Delete) Kind() Kind { return KindDelete }

func (Delete) Apply(any) any { return Unset }

// Merge always yields Delete: the last delete wins over any pending op.
func (o Delete) Merge(Op) (Op, error) { return o, nil }

func (Delete) MarshalJSON() ([]byte, error) {
	return json.Marshal(kindWire{Op: KindDelete})
}

// Increment adds a signed amount to a numeric field. A decrement is an
// Increment with a negative amount; the direction is only decided when the
// operation is serialized.
type Increment struct {
	Amount float64
}

// NewDecrement returns an Increment subtracting amount.
func NewDecrement(amount float64) Increment {
	return Increment{Amount: -amount}
}

func (o Increment) Kind() Kind {
	if o.Amount < 0 {
		return KindDecrement
	}
	return KindIncrement
}

func (o Increment) Apply(current any) any {
	if n, ok := toNumber(current); ok {
		return n + o.Amount
	}
	return o.Amount
}

func (o Increment) Merge(previous Op) (Op, error) {
	switch p := previous.(type) {
	case nil:
		return o, nil
	case Increment:
		return Increment{Amount: p.Amount + o.Amount}, nil
	case Set:
		return Set{Value: o.Apply(p.Value)}, nil
	case Delete:
		return Set{Value: o.Apply(nil)}, nil
	}
	return nil, conflict(previous, o)
}

func (o Increment) MarshalJSON() ([]byte, error) {
	if o.Amount < 0 {
		return json.Marshal(amountWire{Op: KindDecrement, Amount: -o.Amount})
	}
	return json.Marshal(amountWire{Op: KindIncrement, Amount: o.Amount})
}

// Add appends items to an array field.
type Add struct {
	Objects []any
}

// NewAdd returns an Add of a copy of items.
func NewAdd(items ...any) Add {
	return Add{Objects: cloneList(items)}
}

func (Add) Kind() Kind { return KindAdd }

func (o Add) Apply(current any) any {
	if list, ok := toList(current); ok {
		return append(list, o.Objects...)
	}
	return cloneList(o.Objects)
}

func (o Add) Merge(previous Op) (Op, error) {
	switch p := previous.(type) {
	case nil:
		return o, nil
	case Set:
		return Set{Value: o.Apply(p.Value)}, nil
	case Delete:
		return Set{Value: o.Apply(nil)}, nil
	}
	return nil, conflict(previous, o)
}

func (o Add) MarshalJSON() ([]byte, error) {
	return json.Marshal(objectsWire{Op: KindAdd, Objects: nonNil(o.Objects)})
}

// AddUnique adds items to an array field unless already present.
type AddUnique struct {
	Objects []any
}

// NewAddUnique returns an AddUnique of items with duplicates removed.
func NewAddUnique(items ...any) AddUnique {
	return AddUnique{Objects: union(nil, items)}
}

func (AddUnique) Kind() Kind { return KindAddUnique }

func (o AddUnique) Apply(current any) any {
	if list, ok := toList(current); ok {
		return union(list, o.Objects)
	}
	return union(nil, o.Objects)
}

func (o AddUnique) Merge(previous Op) (Op, error) {
	switch p := previous.(type) {
	case nil:
		return o, nil
	case Add:
		return AddUnique{Objects: union(p.Objects, o.Objects)}, nil
	case AddUnique:
		return AddUnique{Objects: union(p.Objects, o.Objects)}, nil
	case Set:
		return Set{Value: o.Apply(p.Value)}, nil
	case Delete:
		return Set{Value: o.Apply(nil)}, nil
	}
	return nil, conflict(previous, o)
}

func (o AddUnique) MarshalJSON() ([]byte, error) {
	return json.Marshal(objectsWire{Op: KindAddUnique, Objects: nonNil(o.Objects)})
}

// Remove deletes every occurrence of items from an array field.
type Remove struct {
	Objects []any
}

// NewRemove returns a Remove of items with duplicates removed.
func NewRemove(items ...any) Remove {
	return Remove{Objects: union(nil, items)}
}

func (Remove) Kind() Kind { return KindRemove }

func (o Remove) Apply(current any) any {
	list, ok := toList(current)
	if !ok {
		return []any{}
	}
	drop := make(map[string]bool, len(o.Objects))
	for _, item := range o.Objects {
		drop[itemKey(item)] = true
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if !drop[itemKey(item)] {
			out = append(out, item)
		}
	}
	return out
}

func (o Remove) Merge(previous Op) (Op, error) {
	switch p := previous.(type) {
	case nil:
		return o, nil
	case Remove:
		return Remove{Objects: union(p.Objects, o.Objects)}, nil
	case Set:
		return Set{Value: o.Apply(p.Value)}, nil
	case Delete:
		return Set{Value: o.Apply(nil)}, nil
	}
	return nil, conflict(previous, o)
}

func (o Remove) MarshalJSON() ([]byte, error) {
	return json.Marshal(objectsWire{Op: KindRemove, Objects: nonNil(o.Objects)})
}
