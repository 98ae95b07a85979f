// Package signalguard suspends delivery of disruptive signals for the
// duration of a critical section.
//
// A trapped signal no longer terminates the process. It is recorded as
// pending and handed back by Restore, which reinstates the disposition the
// signal had before Trap. Guards compose: every guard owns its own notify
// channel, so restoring one guard leaves a signal trapped while any other
// guard still holds it. A signal that was ignored before the first guard
// trapped it is ignored again once the last guard restores it.
package signalguard

import (
	"os"
	"os/signal"
	"sync"

	"github.com/jvs-project/lvsnap/pkg/logging"
)

// Guard defers a set of signals between Trap and Restore.
type Guard struct {
	logger *logging.Logger

	mu      sync.Mutex
	ch      chan os.Signal
	done    chan struct{}
	exited  chan struct{}
	trapped []os.Signal
	held    map[os.Signal]bool

	pmu     sync.Mutex
	pending []os.Signal
}

// active counts the guards holding each signal and remembers whether the
// signal was ignored before the first of them trapped it.
var active = struct {
	sync.Mutex
	depth   map[os.Signal]int
	ignored map[os.Signal]bool
}{depth: make(map[os.Signal]int), ignored: make(map[os.Signal]bool)}

// New creates a guard that logs deferred signals to logger.
func New(logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Guard{logger: logger}
}

// Trap starts deferring sigs. Calling Trap again before Restore adds to the
// trapped set.
func (g *Guard) Trap(sigs ...os.Signal) {
	if len(sigs) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ch == nil {
		g.ch = make(chan os.Signal, 8)
		g.done = make(chan struct{})
		g.exited = make(chan struct{})
		g.held = make(map[os.Signal]bool)
		go g.collect(g.ch, g.done, g.exited)
	}

	for _, sig := range sigs {
		if g.held[sig] {
			continue
		}
		g.held[sig] = true
		g.trapped = append(g.trapped, sig)

		active.Lock()
		if active.depth[sig] == 0 {
			active.ignored[sig] = signal.Ignored(sig)
		}
		active.depth[sig]++
		active.Unlock()
	}
	signal.Notify(g.ch, sigs...)
	g.logger.Debug("trapped signals", map[string]any{"signals": names(sigs)})
}

func (g *Guard) collect(ch <-chan os.Signal, done, exited chan struct{}) {
	defer close(exited)
	for {
		select {
		case sig := <-ch:
			g.record(sig)
		case <-done:
			return
		}
	}
}

func (g *Guard) record(sig os.Signal) {
	g.pmu.Lock()
	g.pending = append(g.pending, sig)
	g.pmu.Unlock()
	g.logger.Info("deferring signal until critical section ends", map[string]any{"signal": sig.String()})
}

// Restore reinstates the disposition every trapped signal had before Trap
// and returns the signals received in between, in arrival order. Without a
// prior Trap it does nothing and returns nil.
func (g *Guard) Restore() []os.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ch == nil {
		return nil
	}

	signal.Stop(g.ch)
	close(g.done)
	<-g.exited

	for drained := false; !drained; {
		select {
		case sig := <-g.ch:
			g.record(sig)
		default:
			drained = true
		}
	}

	for _, sig := range g.trapped {
		active.Lock()
		active.depth[sig]--
		if active.depth[sig] <= 0 {
			if active.ignored[sig] {
				signal.Ignore(sig)
			}
			delete(active.depth, sig)
			delete(active.ignored, sig)
		}
		active.Unlock()
	}
	g.logger.Debug("restored signals", map[string]any{"signals": names(g.trapped)})

	g.ch, g.done, g.exited = nil, nil, nil
	g.trapped, g.held = nil, nil

	g.pmu.Lock()
	pending := g.pending
	g.pending = nil
	g.pmu.Unlock()
	return pending
}

// Pending returns the signals received since Trap.
func (g *Guard) Pending() []os.Signal {
	g.pmu.Lock()
	defer g.pmu.Unlock()
	return append([]os.Signal(nil), g.pending...)
}

// Trapped reports whether the guard currently holds any signal.
func (g *Guard) Trapped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch != nil
}

// Active reports whether any guard in the process currently traps sig.
func Active(sig os.Signal) bool {
	active.Lock()
	defer active.Unlock()
	return active.depth[sig] > 0
}

func names(sigs []os.Signal) []string {
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = s.String()
	}
	return out
}
