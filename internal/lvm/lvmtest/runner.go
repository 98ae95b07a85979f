// Package lvmtest provides test doubles for the lvm package.
package lvmtest

import (
	"context"
	"strings"
	"sync"
)

// Runner records every command it is asked to run and answers from canned
// responses keyed by the full command line. Commands without a canned
// response succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	Responses map[string]string
	Errors    map[string]error
	Commands  []string
}

// NewRunner creates an empty recording runner.
func NewRunner() *Runner {
	return &Runner{
		Responses: make(map[string]string),
		Errors:    make(map[string]error),
	}
}

// AddResponse registers a canned output for a command line.
func (r *Runner) AddResponse(cmd, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Responses[cmd] = output
}

// AddError registers a canned error for a command line.
func (r *Runner) AddError(cmd string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors[cmd] = err
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, cmd)

	if err, ok := r.Errors[cmd]; ok {
		return nil, err
	}
	return []byte(r.Responses[cmd]), nil
}

// Executed returns a copy of the recorded command lines.
func (r *Runner) Executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Commands...)
}
