package memengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 周期性执行维护任务（关联衰减、索引落盘、会话清理）
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	run      func(ctx context.Context) (MaintenanceReport, error)
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	runs    int
}

// NewScheduler 创建调度器. 每次执行的超时为 interval 与 5 分钟中较小者
func NewScheduler(interval time.Duration, run func(ctx context.Context) (MaintenanceReport, error), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval: interval,
		timeout:  min(interval, 5*time.Minute),
		run:      run,
		logger:   logger.With(zap.String("component", "maintenance")),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动后台循环. 重复调用或 Stop 之后调用无效
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop()
	s.logger.Info("maintenance scheduler started", zap.Duration("interval", s.interval))
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		s.tick()
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.run(ctx)
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("maintenance failed", zap.Error(err))
		return
	}
	s.logger.Debug("maintenance done",
		zap.Int("decayed", report.Decay.Decayed),
		zap.Int("removed", report.Decay.Removed),
		zap.Int("expired_sessions", report.ExpiredSessions),
	)
}

// Runs 已执行次数
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Stop 停止循环并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()
	<-s.done
}
