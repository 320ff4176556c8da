// Package lifecycle supervises the long-running components: ordered
// startup, reverse-order shutdown, and bounded per-child restarts with
// group escalation when a child keeps failing.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// restartLimit is the number of restarts tolerated inside
	// restartWindow before the whole group is terminated.
	restartLimit  = 10
	restartWindow = 60 * time.Second

	failureQueueSize = 16
)

// Child is one supervised component. Start must return promptly after
// launching background work; Stop must be idempotent. Subscriptions and
// buffers are expected to be rebuilt from scratch on restart.
type Child interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

type funcChild struct {
	name  string
	start func(ctx context.Context) error
	stop  func()
}

func (c *funcChild) Name() string                    { return c.name }
func (c *funcChild) Start(ctx context.Context) error { return c.start(ctx) }
func (c *funcChild) Stop()                           { c.stop() }

// NewChild adapts a start/stop pair into a Child. stop may be nil.
func NewChild(name string, start func(ctx context.Context) error, stop func()) Child {
	if stop == nil {
		stop = func() {}
	}
	return &funcChild{name: name, start: start, stop: stop}
}

type failure struct {
	name string
	err  error
}

// Stats is the supervisor's externally visible state.
type Stats struct {
	Restarts  map[string]int `json:"restarts"`
	Escalated bool           `json:"escalated"`
}

// Supervisor starts children in registration order and restarts the failed
// child only. Failures are serialized through a mailbox so concurrent
// reports cannot interleave restart sequences.
type Supervisor struct {
	log      *slog.Logger
	children []Child
	byName   map[string]Child

	failures   chan failure
	terminated chan struct{}
	termOnce   sync.Once

	mu           sync.Mutex
	started      bool
	restartLog   []time.Time
	restartCount map[string]int

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	// now is replaceable for window tests.
	now func() time.Time
}

// New builds a supervisor over the children, in startup order.
func New(children ...Child) *Supervisor {
	s := &Supervisor{
		log:          slog.With("component", "supervisor"),
		byName:       make(map[string]Child, len(children)),
		failures:     make(chan failure, failureQueueSize),
		terminated:   make(chan struct{}),
		restartCount: make(map[string]int),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	for _, c := range children {
		s.children = append(s.children, c)
		s.byName[c.Name()] = c
	}
	return s
}

// Start brings the children up in order. A start failure stops the already
// started children in reverse order and returns the error.
func (s *Supervisor) Start(ctx context.Context) error {
	for i, c := range s.children {
		if err := c.Start(ctx); err != nil {
			s.log.Error("Child failed to start", "child", c.Name(), "error", err)
			for j := i - 1; j >= 0; j-- {
				s.children[j].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		s.log.Info("Child started", "child", c.Name())
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop halts the failure loop and shuts the children down in reverse
// startup order.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	running := s.started
	s.started = false
	s.mu.Unlock()
	if !running {
		return
	}
	for i := len(s.children) - 1; i >= 0; i-- {
		s.children[i].Stop()
		s.log.Info("Child stopped", "child", s.children[i].Name())
	}
}

// ReportFailure queues a restart of the named child. Safe to call from any
// goroutine, including the failing child's own.
func (s *Supervisor) ReportFailure(name string, err error) {
	select {
	case s.failures <- failure{name: name, err: err}:
	case <-s.stopCh:
	default:
		s.log.Warn("Failure queue full, report dropped", "child", name)
	}
}

// Terminated closes when the restart budget is exhausted and the group has
// been shut down.
func (s *Supervisor) Terminated() <-chan struct{} {
	return s.terminated
}

// Stats reports per-child restart counts.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Restarts: make(map[string]int, len(s.restartCount))}
	for k, v := range s.restartCount {
		out.Restarts[k] = v
	}
	select {
	case <-s.terminated:
		out.Escalated = true
	default:
	}
	return out
}

func (s *Supervisor) run(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case f := <-s.failures:
			if !s.restart(ctx, f) {
				s.escalate()
				return
			}
		}
	}
}

// restart bounces the failed child. Returns false when the sliding-window
// restart budget is exhausted.
func (s *Supervisor) restart(ctx context.Context, f failure) bool {
	child, ok := s.byName[f.name]
	if !ok {
		s.log.Warn("Failure reported for unknown child", "child", f.name)
		return true
	}

	now := s.now()
	s.mu.Lock()
	cutoff := now.Add(-restartWindow)
	kept := s.restartLog[:0]
	for _, ts := range s.restartLog {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.restartLog = kept
	exhausted := len(s.restartLog) >= restartLimit
	if !exhausted {
		s.restartLog = append(s.restartLog, now)
		s.restartCount[f.name]++
	}
	s.mu.Unlock()

	if exhausted {
		s.log.Error("Restart budget exhausted",
			"child", f.name, "window", restartWindow, "limit", restartLimit)
		return false
	}

	s.log.Warn("Restarting child", "child", f.name, "error", f.err)
	child.Stop()
	if err := child.Start(ctx); err != nil {
		s.log.Error("Child restart failed", "child", f.name, "error", err)
		s.ReportFailure(f.name, err)
		return true
	}
	s.log.Info("Child restarted", "child", f.name)
	return true
}

// escalate terminates the whole group.
func (s *Supervisor) escalate() {
	s.mu.Lock()
	running := s.started
	s.started = false
	s.mu.Unlock()
	if running {
		for i := len(s.children) - 1; i >= 0; i-- {
			s.children[i].Stop()
		}
	}
	s.termOnce.Do(func() { close(s.terminated) })
	s.log.Error("Supervision group terminated")
}
