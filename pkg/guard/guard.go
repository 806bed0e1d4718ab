// Package guard installs a single idempotent cleanup hook that runs once,
// whether triggered by an explicit Run call or a termination signal.
// Nothing hooks process exit itself. Ported from the reference unpacker's cleanup.c: the saved cleanup
// function is cleared before it is invoked so a signal arriving mid-cleanup
// cannot re-enter it, and a signal-triggered cleanup re-raises the original
// signal afterward so the process exits the way it would have without the
// handler installed.
package guard

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	multierror "github.com/hashicorp/go-multierror"
)

var defaultSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

// Guard runs a registered cleanup function exactly once, regardless of how
// many times Run is called or from where.
type Guard struct {
	mu      sync.Mutex
	fn      func() error
	sigCh   chan os.Signal
	stopped chan struct{}
}

// Register installs fn as the cleanup function and starts listening for
// the given signals (defaultSignals if none given). Run executes fn; Stop
// tears down the signal listener without running fn.
func Register(fn func() error, sigs ...os.Signal) *Guard {
	if len(sigs) == 0 {
		sigs = defaultSignals
	}

	g := &Guard{fn: fn, sigCh: make(chan os.Signal, 1), stopped: make(chan struct{})}
	signal.Notify(g.sigCh, sigs...)

	go func() {
		select {
		case sig, ok := <-g.sigCh:
			if !ok {
				return
			}
			g.Run()
			signal.Stop(g.sigCh)
			raise(sig)
		case <-g.stopped:
		}
	}()

	return g
}

// Run invokes the cleanup function if it has not already run, returning
// any error it produced. Safe to call from multiple goroutines and safe to
// call more than once; only the first call has an effect.
func (g *Guard) Run() error {
	g.mu.Lock()
	fn := g.fn
	g.fn = nil
	g.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn()
}

// Stop disarms the signal listener without running the cleanup function,
// used when the caller's normal-path cleanup has already run it directly.
func (g *Guard) Stop() {
	signal.Stop(g.sigCh)
	close(g.stopped)
}

// raise re-delivers sig to the process using its default disposition, so a
// caller that installed no other handling still sees the expected exit
// status for the signal that arrived.
func raise(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	signal.Reset(s)
	_ = syscall.Kill(syscall.Getpid(), s)
}

// Errors aggregates multiple cleanup failures (used when a caller composes
// several Guards, e.g. one per subvolume in an orchestrated run) into a
// single error.
func Errors(errs ...error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
