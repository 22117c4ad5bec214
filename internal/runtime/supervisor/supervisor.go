// Package supervisor runs the engine's long-lived goroutines. Every loop
// gets a name and panic capture under a shared context, so one failing loop
// cannot take the process down silently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	logx "spawnscout/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	errOnce  sync.Once
	firstErr atomic.Value // error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context returns the shared context every supervised goroutine runs under.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first non-context error any goroutine reported.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Go runs fn under the supervisor. A panic is captured and recorded as the
// goroutine's error instead of crashing the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
	}()
}

// Go0 is Go for functions without an error return.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn and restarts it with jittered exponential backoff after
// an error or panic, until the context ends or fn returns cleanly. Meant for
// loops whose failures should self-heal, like file watchers.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	const (
		backoffMin = 250 * time.Millisecond
		backoffMax = 30 * time.Second
	)
	s.Go0(name, func(ctx context.Context) {
		backoff := backoffMin
		for ctx.Err() == nil {
			started := time.Now()
			err := s.run(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			// A run that held up for a while earns a fresh backoff window.
			if time.Since(started) >= time.Minute {
				backoff = backoffMin
			}
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
		}
	})
}

// run invokes fn with panic capture; a panic comes back as an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(logx.CallerStack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Stop cancels every goroutine and waits for them to exit or ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx expires, returning the
// first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
