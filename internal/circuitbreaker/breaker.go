package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memengine/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（单次试探）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" json:"threshold"`

	// Window 连续失败的统计窗口，0 表示不限
	Window time.Duration `yaml:"window" json:"window"`

	// Timeout 单次调用超时时间，0 表示只使用调用方的 context
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ResetTimeout 初始熔断等待时间（Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// MaxResetTimeout 半开失败后退避的上限
	MaxResetTimeout time.Duration `yaml:"max_reset_timeout" json:"max_reset_timeout"`

	// BackoffMultiplier 半开失败后等待时间的放大倍数
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// HalfOpenMaxCalls 半开状态下允许的试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange 状态变更回调（同步调用，不得阻塞）
	OnStateChange func(from State, to State) `yaml:"-" json:"-"`

	// Now 时钟，测试时注入
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:         5,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		MaxResetTimeout:   5 * time.Minute,
		BackoffMultiplier: 2,
		HalfOpenMaxCalls:  1,
	}
}

// Counts 熔断器统计快照
type Counts struct {
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCalls          int64         `json:"total_calls"`
	TotalFailures       int64         `json:"total_failures"`
	Rejected            int64         `json:"rejected"`
	OpenTimeout         time.Duration `json:"open_timeout"`
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则返回 ErrCircuitOpen
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)

	// State 获取当前状态（Open 超时后惰性转为 HalfOpen）
	State() State

	// Counts 获取统计快照
	Counts() Counts

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// breaker 熔断器实现
type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int       // 连续失败次数
	streakStart       time.Time // 本轮连续失败的开始时间
	openedAt          time.Time // 进入 Open 的时间
	openTimeout       time.Duration
	halfOpenCallCount int // 半开状态下已放行的调用数

	totalCalls    int64
	totalFailures int64
	rejected      int64
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.MaxResetTimeout < config.ResetTimeout {
		config.MaxResetTimeout = config.ResetTimeout
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 1
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &breaker{
		config:      config,
		logger:      logger,
		state:       StateClosed,
		openTimeout: config.ResetTimeout,
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：状态机转换 + 失败计数 + 超时控制
func (b *breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	result, err := fn(callCtx)
	if err == nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("call timed out: %w", callCtx.Err())
	}

	var neutral *neutralError
	isNeutral := errors.As(err, &neutral)
	if isNeutral {
		err = neutral.err
	}
	switch {
	case err == nil:
		b.afterCall(outcomeSuccess)
	case ctx.Err() != nil:
		// 调用方取消不计入失败
		b.afterCall(outcomeNeutral)
	case isNeutral:
		b.afterCall(outcomeNeutral)
	case isClientError(err):
		// 输入错误说明依赖本身可用
		b.afterCall(outcomeSuccess)
	default:
		b.afterCall(outcomeFailure)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

// neutralError 标记与被保护依赖健康状况无关的错误
type neutralError struct{ err error }

func (e *neutralError) Error() string { return e.err.Error() }
func (e *neutralError) Unwrap() error { return e.err }

// Neutral 包装 err：熔断器既不计失败也不计成功，并把原始 err 返回给调用方.
// 用于下游其他组件（有自己的熔断器）导致的失败.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return &neutralError{err: err}
}

// isClientError 判断错误是否为客户端错误（不应计入熔断失败）。
func isClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidInput, types.ErrNotFound:
		return true
	}
	return false
}

// beforeCall 调用前检查
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.advance(b.config.Now())

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		b.rejected++
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			b.rejected++
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("unknown breaker state: %v", b.state)
	}
}

// advance Open 超时后转入 HalfOpen，调用方需持有锁
func (b *breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.openTimeout {
		b.setState(StateHalfOpen)
		b.halfOpenCallCount = 0
		b.logger.Info("circuit breaker half-open",
			zap.Duration("open_timeout", b.openTimeout),
		)
	}
}

// afterCall 调用后处理
func (b *breaker) afterCall(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeFailure:
		b.onFailure(b.config.Now())
	case outcomeNeutral:
		if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
			b.halfOpenCallCount--
		}
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("circuit breaker closed after successful trial")
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
		b.openTimeout = b.config.ResetTimeout

	case StateOpen:
		b.logger.Warn("success reported while breaker open")
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure(now time.Time) {
	b.totalFailures++

	switch b.state {
	case StateClosed:
		if b.failureCount == 0 || (b.config.Window > 0 && now.Sub(b.streakStart) > b.config.Window) {
			b.failureCount = 0
			b.streakStart = now
		}
		b.failureCount++
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.open(now)
		}

	case StateHalfOpen:
		next := time.Duration(math.Min(
			float64(b.openTimeout)*b.config.BackoffMultiplier,
			float64(b.config.MaxResetTimeout),
		))
		b.logger.Warn("half-open trial failed, reopening",
			zap.Duration("next_timeout", next),
		)
		b.openTimeout = next
		b.open(now)

	case StateOpen:
		b.logger.Warn("failure reported while breaker open")
	}
}

func (b *breaker) open(now time.Time) {
	b.setState(StateOpen)
	b.openedAt = now
	b.halfOpenCallCount = 0
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(oldState, newState)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.config.Now())
	return b.state
}

// Counts 实现 CircuitBreaker.Counts
func (b *breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.config.Now())
	return Counts{
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failureCount,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		Rejected:            b.rejected,
		OpenTimeout:         b.openTimeout,
	}
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.setState(StateClosed)
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.openTimeout = b.config.ResetTimeout

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// IsOpen reports whether err is a short-circuit rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyCallsInHalfOpen)
}
