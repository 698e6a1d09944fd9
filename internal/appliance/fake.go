package appliance

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller is the subset of Client's behavior plugins depend on, so tests can
// substitute Fake without spinning up an HTTP server.
type Caller interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body any, out any) error
	Delete(ctx context.Context, path string) error
}

// Call records a single request made against a Fake, for assertions in
// plugin tests.
type Call struct {
	Method string
	Path   string
	Body   any
}

// Fake is an in-memory appliance used by plugin tests. Responses keyed by
// path are served verbatim from Responses; every call is appended to Calls
// regardless of whether a canned response exists.
type Fake struct {
	Responses map[string]any
	Err       map[string]error
	Calls     []Call
}

// NewFake returns an empty Fake ready to record calls.
func NewFake() *Fake {
	return &Fake{Responses: map[string]any{}, Err: map[string]error{}}
}

func (f *Fake) Get(_ context.Context, path string, out any) error {
	f.Calls = append(f.Calls, Call{Method: "GET", Path: path})
	return f.respond(path, out)
}

func (f *Fake) Post(_ context.Context, path string, body any, out any) error {
	f.Calls = append(f.Calls, Call{Method: "POST", Path: path, Body: body})
	return f.respond(path, out)
}

func (f *Fake) Delete(_ context.Context, path string) error {
	f.Calls = append(f.Calls, Call{Method: "DELETE", Path: path})
	return f.respond(path, nil)
}

func (f *Fake) respond(path string, out any) error {
	if err, ok := f.Err[path]; ok {
		return err
	}
	canned, ok := f.Responses[path]
	if !ok || out == nil {
		return nil
	}
	// Round-trip through JSON so Fake accepts the same shapes a real
	// appliance response would (maps, slices, structs).
	encoded, err := json.Marshal(canned)
	if err != nil {
		return fmt.Errorf("encoding fake response for %s: %w", path, err)
	}
	return json.Unmarshal(encoded, out)
}

// CallsTo returns every recorded call whose path equals path, in order.
func (f *Fake) CallsTo(path string) []Call {
	var matches []Call
	for _, c := range f.Calls {
		if c.Path == path {
			matches = append(matches, c)
		}
	}
	return matches
}
