// Package callback implements the event-keyed, priority-ordered extension
// points of the snapshot lifecycle.
package callback

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/model"
)

// DefaultPriority is used when Register is called without WithPriority.
const DefaultPriority = 100

// Handler is attached to a lifecycle event. Every handler registered for an
// event receives the same payload.
type Handler[T any] func(ctx context.Context, event model.Event, payload T) error

// Entry is a registered handler.
type Entry[T any] struct {
	Name     string
	Priority int
	Handler  Handler[T]
}

// Option configures a registration.
type Option func(*options)

type options struct {
	priority int
	name     string
}

// WithPriority sets the priority of a handler. Higher priorities run first.
func WithPriority(priority int) Option {
	return func(o *options) { o.priority = priority }
}

// WithName names a handler in failure reports. It defaults to the
// function name of the handler.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Registry maps lifecycle events to their handlers.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[model.Event][]Entry[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[model.Event][]Entry[T])}
}

// Register appends handler to the handlers of event. Events need not be
// declared up front.
func (r *Registry[T]) Register(event model.Event, handler Handler[T], opts ...Option) {
	o := options{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = funcName(handler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[event] = append(r.entries[event], Entry[T]{
		Name:     o.name,
		Priority: o.priority,
		Handler:  handler,
	})
}

// Entries returns the handlers of event in execution order: descending
// priority, registration order among equal priorities.
func (r *Registry[T]) Entries(event model.Event) []Entry[T] {
	r.mu.RLock()
	entries := append([]Entry[T](nil), r.entries[event]...)
	r.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority > entries[j].Priority
	})
	return entries
}

// Len returns the number of handlers registered for event.
func (r *Registry[T]) Len(event model.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[event])
}

// Events returns the events that have at least one handler, in lifecycle
// order followed by any custom events sorted by name.
func (r *Registry[T]) Events() []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Event
	known := make(map[model.Event]bool)
	for _, e := range model.Events() {
		known[e] = true
		if len(r.entries[e]) > 0 {
			out = append(out, e)
		}
	}
	var custom []model.Event
	for e, list := range r.entries {
		if !known[e] && len(list) > 0 {
			custom = append(custom, e)
		}
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i] < custom[j] })
	return append(out, custom...)
}

// Fire runs every handler of event with payload. A failing handler does not
// stop the others; once all have run, the failures are returned together as
// a *FailuresError. Fire returns nil when every handler succeeded or none is
// registered.
func (r *Registry[T]) Fire(ctx context.Context, event model.Event, payload T) error {
	var failures []Failure
	for _, entry := range r.Entries(event) {
		if err := invoke(ctx, entry, event, payload); err != nil {
			failures = append(failures, Failure{
				Handler:  entry.Name,
				Priority: entry.Priority,
				Err:      err,
			})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &FailuresError{Event: event, Failures: failures}
}

func invoke[T any](ctx context.Context, entry Entry[T], event model.Event, payload T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	return entry.Handler(ctx, event, payload)
}

// Failure is a handler that failed while an event fired.
type Failure struct {
	Handler  string
	Priority int
	Err      error
}

// FailuresError aggregates every handler failure of one event firing.
type FailuresError struct {
	Event    model.Event
	Failures []Failure
}

func (e *FailuresError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Handler, f.Err)
	}
	return fmt.Sprintf("%s: %d callback(s) failed for %s: %s",
		errclass.ErrCallbackFailures.Code, len(e.Failures), e.Event, strings.Join(parts, "; "))
}

// Is matches errclass.ErrCallbackFailures.
func (e *FailuresError) Is(target error) bool {
	return errclass.ErrCallbackFailures.Is(target)
}

// Unwrap exposes the underlying handler errors to errors.Is and errors.As.
func (e *FailuresError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// PanicError is recorded for a handler that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<nil>"
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
