// Package hooks runs configured shell commands at snapshot lifecycle events.
// This is how backup tools such as tar, xtrabackup or pg_dump read the
// mounted snapshot.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jvs-project/lvsnap/internal/callback"
	"github.com/jvs-project/lvsnap/internal/snapshot"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/logging"
	"github.com/jvs-project/lvsnap/pkg/model"
	"github.com/jvs-project/lvsnap/pkg/template"
)

// DefaultTimeout bounds a hook without an explicit timeout.
const DefaultTimeout = time.Hour

// maxOutputTail is how much hook output is kept in a failure message.
const maxOutputTail = 512

// Hook is a shell command bound to a lifecycle event.
type Hook struct {
	Name     string
	Event    model.Event
	Command  string
	Priority int
	Timeout  time.Duration
}

// FromConfig converts configured hooks, rejecting unknown events.
func FromConfig(cfgs []config.HookConfig) ([]Hook, error) {
	hooks := make([]Hook, 0, len(cfgs))
	for i, c := range cfgs {
		event, ok := model.ParseEvent(c.Event)
		if !ok {
			return nil, errclass.ErrConfigInvalid.WithMessagef("hooks[%d]: unknown event %q", i, c.Event)
		}
		if strings.TrimSpace(c.Command) == "" {
			return nil, errclass.ErrConfigInvalid.WithMessagef("hooks[%d]: command is required", i)
		}
		h := Hook{
			Name:     c.Name,
			Event:    event,
			Command:  c.Command,
			Priority: callback.DefaultPriority,
			Timeout:  c.Timeout,
		}
		if c.Priority != nil {
			h.Priority = *c.Priority
		}
		if h.Name == "" {
			h.Name = fmt.Sprintf("hook[%d] %s", i, c.Event)
		}
		if h.Timeout == 0 {
			h.Timeout = DefaultTimeout
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// Executor runs hooks through a shell.
type Executor struct {
	Shell  string
	Logger *logging.Logger
	// Vars are extra template placeholders, typically the origin vg and lv.
	Vars map[string]string
}

// NewExecutor creates an executor using /bin/sh.
func NewExecutor(logger *logging.Logger, vars map[string]string) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{Shell: "/bin/sh", Logger: logger, Vars: vars}
}

// Register attaches every hook to its event on m.
func (e *Executor) Register(m *snapshot.Machine, hooks []Hook) {
	for _, h := range hooks {
		h := h
		m.Register(h.Event, func(ctx context.Context, event model.Event, ev *snapshot.Event) error {
			return e.Run(ctx, h, ev)
		}, callback.WithPriority(h.Priority), callback.WithName(h.Name))
	}
}

// Run expands the hook command for ev and runs it. A non-zero exit, a
// timeout or a failure to start yields errclass.ErrHookFailed.
func (e *Executor) Run(ctx context.Context, h Hook, ev *snapshot.Event) error {
	vars := e.placeholders(ev)
	command := template.Expand(h.Command, vars)

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	cmd.Env = append(os.Environ(), environ(vars, ev)...)
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log := e.Logger.WithFields(map[string]any{"hook": h.Name, "event": string(ev.Name)})
	log.Info("running hook", map[string]any{"command": command})
	started := time.Now()
	err := cmd.Run()
	fields := map[string]any{"duration_ms": time.Since(started).Milliseconds()}
	if out.Len() > 0 {
		fields["output"] = tail(out.String())
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		log.ErrorErr("hook failed", err, fields)
		msg := h.Name
		if t := tail(out.String()); t != "" {
			msg += ": " + t
		}
		return errclass.ErrHookFailed.Wrap(err, msg)
	}
	log.Info("hook finished", fields)
	return nil
}

func (e *Executor) placeholders(ev *snapshot.Event) map[string]string {
	vars := make(map[string]string, len(e.Vars)+4)
	for k, v := range e.Vars {
		vars[k] = v
	}
	vars["event"] = string(ev.Name)
	vars["snapshot"] = ev.Spec.Name
	vars["mountpoint"] = ev.Spec.Mountpoint
	vars["device"] = ""
	if ev.Handle != nil {
		vars["device"] = ev.Handle.DevicePath()
	}
	return vars
}

func environ(vars map[string]string, ev *snapshot.Event) []string {
	env := []string{
		"LVSNAP_EVENT=" + vars["event"],
		"LVSNAP_SNAPSHOT=" + vars["snapshot"],
		"LVSNAP_MOUNTPOINT=" + vars["mountpoint"],
		"LVSNAP_DEVICE=" + vars["device"],
		"LVSNAP_RUN_ID=" + ev.RunID,
	}
	if vg, ok := vars["vg"]; ok {
		env = append(env, "LVSNAP_VG="+vg)
	}
	if lv, ok := vars["lv"]; ok {
		env = append(env, "LVSNAP_LV="+lv)
	}
	if ev.Err != nil {
		env = append(env, "LVSNAP_ERROR="+ev.Err.Error())
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputTail {
		return s
	}
	cut := len(s) - maxOutputTail
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
