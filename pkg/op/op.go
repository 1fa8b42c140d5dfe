// Package op implements field-level mutation operations.
//
// An operation describes an atomic change to a single field (increment a
// counter, append to an array, delete the field) instead of a new value.
// Operations are accumulated client-side, merged when several target the same
// field before a save, applied to a cached value for optimistic reads and
// serialized in the backend's "__op" wire format:
//
//	{"__op":"Delete"}
//	{"__op":"Increment","amount":5}
//	{"__op":"Decrement","amount":3}
//	{"__op":"Add","objects":[1,2]}
//	{"__op":"AddUnique","objects":[1,2]}
//	{"__op":"Remove","objects":[1]}
package op

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the wire discriminator of an operation.
type Kind string

const (
	KindSet       Kind = "Set"
	KindDelete    Kind = "Delete"
	KindIncrement Kind = "Increment"
	KindDecrement Kind = "Decrement"
	KindAdd       Kind = "Add"
	KindAddUnique Kind = "AddUnique"
	KindRemove    Kind = "Remove"
)

// Op is a pending mutation of one field.
type Op interface {
	// Kind reports the wire discriminator. For Increment it follows the sign
	// of the amount.
	Kind() Kind

	// Apply returns the field value after the operation, given the current
	// value (nil when the field is absent). Delete returns Unset.
	Apply(current any) any

	// Merge combines the receiver, registered after previous, into a single
	// operation. previous may be nil. Incompatible pairs return a
	// *ConflictError and leave both operands untouched.
	Merge(previous Op) (Op, error)

	json.Marshaler
}

type unsetValue struct{}

func (unsetValue) String() string { return "<unset>" }

// Unset is returned by Apply when the field no longer exists.
var Unset any = unsetValue{}

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("op: conflicting pending operation")

// ConflictError reports an operation that cannot be merged with the one
// already pending on the same field.
type ConflictError struct {
	Field   string
	Pending Kind
	Next    Kind
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("op: cannot apply %s over pending %s", e.Next, e.Pending)
	}
	return fmt.Sprintf("op: field %q has a pending %s, cannot apply %s (save or revert first)", e.Field, e.Pending, e.Next)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func conflict(previous, next Op) error {
	return &ConflictError{Pending: previous.Kind(), Next: next.Kind()}
}

type amountWire struct {
	Op     Kind    `json:"__op"`
	Amount float64 `json:"amount"`
}

type objectsWire struct {
	Op      Kind  `json:"__op"`
	Objects []any `json:"objects"`
}

type kindWire struct {
	Op Kind `json:"__op"`
}
