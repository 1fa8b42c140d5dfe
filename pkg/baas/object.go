package baas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gftdcojp/baas-go/pkg/op"
)

// reserved fields are managed by the server.
var reserved = map[string]bool{
	"objectId":  true,
	"createdAt": true,
	"updatedAt": true,
}

// Object is one row of a class. Mutations are recorded as pending operations
// and sent on Save; Get reflects them optimistically.
type Object struct {
	client    *Client
	className string

	mu      sync.Mutex
	id      string
	server  map[string]any
	pending op.Pending
}

// Object returns a handle for className. An empty id is a new object that
// Save creates.
func (c *Client) Object(className, id string) *Object {
	return &Object{
		client:    c,
		className: className,
		id:        id,
		server:    make(map[string]any),
	}
}

func (o *Object) ClassName() string { return o.className }

func (o *Object) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

func (o *Object) register(field string, next op.Op) error {
	if reserved[field] {
		return fmt.Errorf("baas: field %q is read-only", field)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Register(field, next)
}

// Set assigns value to field, replacing any pending operation.
func (o *Object) Set(field string, value any) error {
	return o.register(field, op.Set{Value: value})
}

// Unset deletes field.
func (o *Object) Unset(field string) error {
	return o.register(field, op.Delete{})
}

// Increment adds amount to a numeric field.
func (o *Object) Increment(field string, amount float64) error {
	return o.register(field, op.Increment{Amount: amount})
}

// Decrement subtracts amount from a numeric field.
func (o *Object) Decrement(field string, amount float64) error {
	return o.register(field, op.NewDecrement(amount))
}

// Add appends items to an array field.
func (o *Object) Add(field string, items ...any) error {
	return o.register(field, op.NewAdd(items...))
}

// AddUnique adds items not already present to an array field.
func (o *Object) AddUnique(field string, items ...any) error {
	return o.register(field, op.NewAddUnique(items...))
}

// Remove removes every occurrence of items from an array field.
func (o *Object) Remove(field string, items ...any) error {
	return o.register(field, op.NewRemove(items...))
}

// Get returns field with pending operations applied.
func (o *Object) Get(field string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	current, ok := o.server[field]
	if pending, has := o.pending.Get(field); has {
		v := pending.Apply(current)
		if v == op.Unset {
			return nil, false
		}
		return v, true
	}
	return current, ok
}

// Data returns a copy of all fields with pending operations applied.
func (o *Object) Data() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.ApplyTo(o.server)
}

// Dirty reports whether any operation is pending.
func (o *Object) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Len() > 0
}

// Pending returns the fields with pending operations.
func (o *Object) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Fields()
}

// Revert drops pending operations for fields, or all of them.
func (o *Object) Revert(fields ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending.Revert(fields...)
}

func (o *Object) path() string {
	p := "/classes/" + url.PathEscape(o.className)
	if o.id != "" {
		p += "/" + url.PathEscape(o.id)
	}
	return p
}

// Save sends the pending operations. On success the optimistic values become
// the server values, overlaid with whatever the server returned. Other calls
// on the object wait for Save to finish.
func (o *Object) Save(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending.Len() == 0 && o.id != "" {
		return nil
	}
	body, err := o.pending.MarshalJSON()
	if err != nil {
		return fmt.Errorf("baas: encoding %s: %w", o.className, err)
	}
	method := http.MethodPost
	if o.id != "" {
		method = http.MethodPut
	}

	var resp map[string]any
	if err := o.client.Request(ctx, method, o.path()+"?fetchWhenSave=true", rawJSON(body), &resp); err != nil {
		return err
	}

	o.server = o.pending.ApplyTo(o.server)
	o.pending.Revert()
	for k, v := range resp {
		o.server[k] = v
	}
	if id, ok := resp["objectId"].(string); ok && id != "" {
		o.id = id
	}
	return nil
}

// Fetch replaces the server values. Pending operations are kept.
func (o *Object) Fetch(ctx context.Context) error {
	o.mu.Lock()
	if o.id == "" {
		o.mu.Unlock()
		return fmt.Errorf("baas: cannot fetch unsaved %s", o.className)
	}
	path := o.path()
	o.mu.Unlock()

	var data map[string]any
	if err := o.client.Request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return err
	}
	if len(data) == 0 {
		return &APIError{Status: http.StatusNotFound, Code: CodeObjectNotFound, Message: "object not found"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.server = data
	return nil
}

// Destroy deletes the object on the server.
func (o *Object) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.id == "" {
		o.mu.Unlock()
		return nil
	}
	path := o.path()
	o.mu.Unlock()

	return o.client.Request(ctx, http.MethodDelete, path, nil, nil)
}

// rawJSON is a pre-encoded request body.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
