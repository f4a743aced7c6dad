// Package breaker protects calls to an external dependency with a circuit
// breaker. The CLOSED/OPEN/HALF_OPEN state machine is gobreaker's; the trip
// decision comes from a bucketed rolling window of call outcomes so that the
// error rate is measured over a sliding interval rather than consecutive
// failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"settlement-service/internal/alert"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

var (
	// ErrUnavailable is returned, wrapped in *UnavailableError, when the
	// breaker rejects a call without running it.
	ErrUnavailable = errors.New("dependency unavailable: circuit breaker open")
	// ErrTimeout marks a call that exceeded the per-call timeout.
	ErrTimeout = errors.New("call timed out")
)

// UnavailableError is the fallback result while the breaker is open or the
// half-open probe budget is spent.
type UnavailableError struct {
	Name       string
	Operation  string
	State      State
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: circuit breaker %s, retry after %s", e.Name, e.Operation, e.State, e.RetryAfter)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

type Config struct {
	Name           string
	Window         time.Duration
	Buckets        int
	ErrorThreshold float64
	MinRequests    int
	CallTimeout    time.Duration
	ResetTimeout   time.Duration
	HalfOpenProbes uint32
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "gateway"
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 0.5
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Transition is published to subscribers on every state change.
type Transition struct {
	Name     string
	From     State
	To       State
	At       time.Time
	Snapshot Snapshot
}

type Option func(*Breaker)

// WithClock replaces the clock used by the rolling window.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithSuccessClassifier decides which errors count against the dependency.
// By default only a nil error is a success.
func WithSuccessClassifier(fn func(error) bool) Option {
	return func(b *Breaker) { b.isSuccessful = fn }
}

type Breaker struct {
	cfg          Config
	cb           *gobreaker.CircuitBreaker
	window       *rollingWindow
	alerter      alert.Alerter
	now          func() time.Time
	isSuccessful func(error) bool

	mu          sync.RWMutex
	subscribers map[int]func(Transition)
	nextSubID   int
}

func New(cfg Config, alerter alert.Alerter, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	b := &Breaker{
		cfg:          cfg,
		alerter:      alerter,
		now:          time.Now,
		isSuccessful: func(err error) bool { return err == nil },
		subscribers:  make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.window = newRollingWindow(cfg.Window, cfg.Buckets, b.now)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(gobreaker.Counts) bool {
			s := b.window.snapshot()
			return s.Requests >= int64(cfg.MinRequests) && s.ErrorRate >= cfg.ErrorThreshold
		},
		OnStateChange: b.onStateChange,
		IsSuccessful: func(err error) bool {
			var abandoned *abandonedError
			return errors.As(err, &abandoned) || b.isSuccessful(err)
		},
	})
	return b
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. fn runs while the breaker holds its lock and must not call
// back into the breaker.
func (b *Breaker) Subscribe(fn func(Transition)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

func (b *Breaker) Snapshot() Snapshot {
	return b.window.snapshot()
}

// Call runs fn under the per-call timeout and records its outcome. While the
// breaker is open fn is not run; the fallback raises a critical alert and
// returns an *UnavailableError. A call already in flight when the breaker
// opens still completes and still updates the window. Calls cancelled by
// the caller's own ctx are not recorded.
func (b *Breaker) Call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn(callCtx)
		if err == nil {
			b.window.record(true)
			return v, nil
		}
		if ctx.Err() != nil {
			// the caller went away; the dependency's health is unknown
			return v, &abandonedError{err: err}
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s %s after %s: %w", b.cfg.Name, op, b.cfg.CallTimeout, errors.Join(ErrTimeout, err))
		}
		b.window.record(b.isSuccessful(err))
		return v, err
	})
	var abandoned *abandonedError
	if errors.As(err, &abandoned) {
		return res, abandoned.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, b.fallback(ctx, op)
	}
	return res, err
}

// abandonedError marks a call whose caller cancelled it. It is neither
// recorded in the window nor counted as a failure by the state machine.
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }

func (e *abandonedError) Unwrap() error { return e.err }

// Do is the typed form of Breaker.Call.
func Do[T any](ctx context.Context, b *Breaker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := b.Call(ctx, op, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if res == nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, err
	}
	return v, err
}

func (b *Breaker) fallback(ctx context.Context, op string) error {
	state := b.State()
	uerr := &UnavailableError{
		Name:       b.cfg.Name,
		Operation:  op,
		State:      state,
		RetryAfter: b.cfg.ResetTimeout,
	}
	snap := b.window.snapshot()
	b.alerter.Critical(ctx, alert.Alert{
		Source:  "breaker:" + b.cfg.Name,
		Summary: fmt.Sprintf("%s unavailable, call to %s short-circuited", b.cfg.Name, op),
		At:      b.now().UTC(),
		Fields: log.Fields{
			"operation":  op,
			"state":      string(state),
			"requests":   snap.Requests,
			"failures":   snap.Failures,
			"error_rate": snap.ErrorRate,
		},
	})
	return uerr
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	tr := Transition{
		Name:     name,
		From:     fromGobreaker(from),
		To:       fromGobreaker(to),
		At:       b.now().UTC(),
		Snapshot: b.window.snapshot(),
	}
	if tr.To == StateClosed {
		b.window.reset()
	}

	entry := log.WithFields(log.Fields{
		"breaker":    name,
		"from":       tr.From,
		"to":         tr.To,
		"requests":   tr.Snapshot.Requests,
		"error_rate": tr.Snapshot.ErrorRate,
	})
	if tr.To == StateClosed {
		entry.Info("Circuit breaker closed")
	} else {
		entry.Warn("Circuit breaker state changed")
	}

	b.mu.RLock()
	subs := make([]func(Transition), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(tr)
	}
}
