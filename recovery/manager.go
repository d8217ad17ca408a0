// Package recovery wraps fallible calls with retry, a per-component circuit
// breaker and an optional fallback.
package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/memengine/internal/circuitbreaker"
	"github.com/BaSui01/memengine/internal/retry"
	"github.com/BaSui01/memengine/types"
)

// Fallback produces a degraded result after the protected call failed or was
// short-circuited. cause is the error that triggered it.
type Fallback func(ctx context.Context, cause error) (any, error)

// Policy configures one component.
type Policy struct {
	Breaker  *circuitbreaker.Config
	Retry    *retry.Policy
	Fallback Fallback
}

// Outcome describes how a call was served.
type Outcome struct {
	Value any
	Err   error
	// Degraded is set when the fallback produced Value.
	Degraded bool
	// ShortCircuited is set when the breaker rejected the call without running it.
	ShortCircuited bool
	// Cause is the failure that led to the fallback.
	Cause error
}

// StateListener is notified about breaker transitions of any component.
type StateListener func(component string, from, to circuitbreaker.State)

type component struct {
	breaker  circuitbreaker.CircuitBreaker
	retryer  retry.Retryer
	fallback Fallback
}

// Manager owns one breaker/retry pair per named component.
type Manager struct {
	defaults Policy
	logger   *zap.Logger
	listener StateListener

	mu         sync.RWMutex
	components map[string]*component
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStateListener registers a callback for breaker transitions.
func WithStateListener(l StateListener) Option {
	return func(m *Manager) { m.listener = l }
}

// NewManager creates a manager. defaults is applied to components registered
// without an explicit breaker or retry policy, and to unregistered components
// on first use.
func NewManager(defaults Policy, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		defaults:   defaults,
		logger:     logger.With(zap.String("component", "recovery")),
		components: make(map[string]*component),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register (re)configures a component. Missing policy parts inherit defaults.
func (m *Manager) Register(name string, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = m.build(name, p)
}

func (m *Manager) build(name string, p Policy) *component {
	bcfg := p.Breaker
	if bcfg == nil {
		bcfg = m.defaults.Breaker
	}
	bcfg = cloneBreakerConfig(bcfg)

	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to circuitbreaker.State) {
		m.logger.Info("breaker state changed",
			zap.String("target", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if userHook != nil {
			userHook(from, to)
		}
		if m.listener != nil {
			m.listener(name, from, to)
		}
	}

	rp := p.Retry
	if rp == nil {
		rp = m.defaults.Retry
	}
	if rp != nil {
		copied := *rp
		rp = &copied
	}

	fb := p.Fallback
	if fb == nil {
		fb = m.defaults.Fallback
	}

	logger := m.logger.With(zap.String("target", name))
	return &component{
		breaker:  circuitbreaker.NewCircuitBreaker(bcfg, logger),
		retryer:  retry.NewBackoffRetryer(rp, logger),
		fallback: fb,
	}
}

func cloneBreakerConfig(c *circuitbreaker.Config) *circuitbreaker.Config {
	if c == nil {
		return circuitbreaker.DefaultConfig()
	}
	copied := *c
	return &copied
}

func (m *Manager) get(name string) *component {
	m.mu.RLock()
	c, ok := m.components[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.components[name]; ok {
		return c
	}
	c = m.build(name, Policy{})
	m.components[name] = c
	return c
}

// Run executes fn under the component's retry and breaker, falling back when
// it fails or the breaker is open.
func (m *Manager) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) Outcome {
	c := m.get(name)

	value, err := c.breaker.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		v, err := c.retryer.DoWithResult(ctx, fn)
		if foreignFailure(name, err) {
			return v, circuitbreaker.Neutral(err)
		}
		return v, err
	})
	if err == nil {
		return Outcome{Value: value}
	}

	out := Outcome{Cause: err, ShortCircuited: circuitbreaker.IsOpen(err)}
	if c.fallback == nil || ctx.Err() != nil {
		out.Err = wrapFailure(name, err, out.ShortCircuited)
		return out
	}

	m.logger.Debug("serving fallback",
		zap.String("target", name),
		zap.Bool("short_circuited", out.ShortCircuited),
		zap.Error(err),
	)
	fv, ferr := c.fallback(ctx, err)
	if ferr != nil {
		out.Err = wrapFailure(name, ferr, out.ShortCircuited)
		return out
	}
	out.Value = fv
	out.Degraded = true
	return out
}

// foreignFailure reports whether err was produced by another component. That
// component's own breaker accounts for it, so it must not open this one.
func foreignFailure(name string, err error) bool {
	var te *types.Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Component != "" && te.Component != name
}

func wrapFailure(name string, err error, open bool) error {
	if open {
		return types.NewError(types.ErrCircuitOpen, "circuit open").
			WithComponent(name).
			WithCause(err)
	}
	return err
}

// Execute is Run for calls without a result.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.Run(ctx, name, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}).Err
}

// ExecuteTyped is a type-safe wrapper around Run. The boolean reports whether
// the value came from the fallback.
func ExecuteTyped[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	out := m.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero T
	if out.Err != nil {
		return zero, out.Degraded, out.Err
	}
	v, ok := out.Value.(T)
	if !ok {
		return zero, out.Degraded, nil
	}
	return v, out.Degraded, nil
}

// State returns the breaker state of a component.
func (m *Manager) State(name string) circuitbreaker.State {
	return m.get(name).breaker.State()
}

// Reset closes a component's breaker.
func (m *Manager) Reset(name string) {
	m.get(name).breaker.Reset()
}

// Snapshot returns breaker counts for every known component.
func (m *Manager) Snapshot() map[string]circuitbreaker.Counts {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]circuitbreaker.Counts, len(names))
	for _, name := range names {
		out[name] = m.get(name).breaker.Counts()
	}
	return out
}
