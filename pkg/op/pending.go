package op

import (
	"encoding/json"
	"errors"
	"sort"
)

// Pending holds at most one operation per field. A new operation on a field
// is merged into the pending one or rejected; it never replaces it silently.
//
// The zero value is ready to use. Pending is not safe for concurrent use.
type Pending struct {
	ops map[string]Op
}

// Register merges next into the operation pending on field. On conflict the
// pending operation is left untouched and a *ConflictError naming the field
// is returned.
func (p *Pending) Register(field string, next Op) error {
	previous := p.ops[field]
	merged, err := next.Merge(previous)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			ce.Field = field
		}
		return err
	}
	if p.ops == nil {
		p.ops = make(map[string]Op)
	}
	p.ops[field] = merged
	return nil
}

// Get returns the operation pending on field.
func (p *Pending) Get(field string) (Op, bool) {
	o, ok := p.ops[field]
	return o, ok
}

// Revert drops the pending operations of fields, or all of them when no
// field is given.
func (p *Pending) Revert(fields ...string) {
	if len(fields) == 0 {
		p.ops = nil
		return
	}
	for _, f := range fields {
		delete(p.ops, f)
	}
}

// Len returns the number of fields with a pending operation.
func (p *Pending) Len() int { return len(p.ops) }

// Fields returns the fields with a pending operation, sorted.
func (p *Pending) Fields() []string {
	fields := make([]string, 0, len(p.ops))
	for f := range p.ops {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ApplyTo returns a copy of data with every pending operation applied.
// Fields whose result is Unset are removed.
func (p *Pending) ApplyTo(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(p.ops))
	for k, v := range data {
		out[k] = v
	}
	for field, o := range p.ops {
		v := o.Apply(out[field])
		if v == Unset {
			delete(out, field)
			continue
		}
		out[field] = v
	}
	return out
}

// MarshalJSON encodes the pending map as a save body: {"field": <op>, ...}.
func (p *Pending) MarshalJSON() ([]byte, error) {
	if p.ops == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.ops)
}
