package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// ErrJobAlreadyRunning 同类型任务已在运行，本次触发被跳过
var ErrJobAlreadyRunning = errors.New("job of this type is already running")

// ErrUnknownJob 任务类型未注册
var ErrUnknownJob = errors.New("job type not registered")

// HandlerFunc 任务执行体，返回处理/失败条目数
// 返回 error 表示系统性失败，整个任务标记 failed
type HandlerFunc func(ctx context.Context) (processed, failed int, err error)

// registration 一个已注册任务：触发器 + 执行体 + 超时预算
type registration struct {
	jobType models.JobType
	trigger Trigger
	handler HandlerFunc
	timeout time.Duration
}

// Scheduler 管线任务调度器
// 每个注册任务一个循环 goroutine；同类型互斥（触发重叠时跳过并记日志，
// 不写任务行），不同类型并行。时钟可注入，测试用假时钟驱动
type Scheduler struct {
	jobs   repository.JobRepository
	clock  clockwork.Clock
	logger *zap.Logger

	mu            sync.Mutex
	running       map[models.JobType]bool
	registrations map[models.JobType]*registration
	wg            sync.WaitGroup
}

// New 创建调度器
func New(jobs repository.JobRepository, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:          jobs,
		clock:         clock,
		logger:        logger,
		running:       make(map[models.JobType]bool),
		registrations: make(map[models.JobType]*registration),
	}
}

// Register 注册一个任务；触发表达式在此处解析，语法错误立即返回
func (s *Scheduler) Register(jobType models.JobType, triggerExpr string, timeout time.Duration, handler HandlerFunc) error {
	trigger, err := ParseTrigger(triggerExpr)
	if err != nil {
		return fmt.Errorf("register %s: %w", jobType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.registrations[jobType]; exists {
		return fmt.Errorf("register %s: already registered", jobType)
	}
	s.registrations[jobType] = &registration{
		jobType: jobType,
		trigger: trigger,
		handler: handler,
		timeout: timeout,
	}
	return nil
}

// Start 启动全部任务循环；ctx 取消后循环退出
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		s.wg.Add(1)
		go s.runLoop(ctx, reg)
		s.logger.Info("Job scheduled",
			zap.String("job_type", reg.jobType.String()),
			zap.String("trigger", reg.trigger.String()),
			zap.Duration("timeout", reg.timeout),
		)
	}
}

// Wait 等待全部任务循环退出（Start 的 ctx 取消之后调用）
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunOnce 手动触发一次任务并等待其结束
// 同类型任务正在运行时返回 ErrJobAlreadyRunning，不写任务行
func (s *Scheduler) RunOnce(ctx context.Context, jobType models.JobType) (*models.ProcessingJob, error) {
	s.mu.Lock()
	reg, ok := s.registrations[jobType]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	return s.execute(ctx, reg)
}

// RunDetached 手动触发一次任务，互斥槽位同步抢占、任务体后台执行
// （HTTP 触发入口使用：返回 nil 即本次调用确定拿到了槽位，
// 并发触发中输掉的一方同步拿到 ErrJobAlreadyRunning）
func (s *Scheduler) RunDetached(ctx context.Context, jobType models.JobType) error {
	s.mu.Lock()
	reg, ok := s.registrations[jobType]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}

	if !s.acquire(reg.jobType) {
		s.logger.Warn("Job trigger skipped, previous run still in progress",
			zap.String("job_type", reg.jobType.String()),
		)
		return ErrJobAlreadyRunning
	}

	go func() {
		defer s.release(reg.jobType)
		if _, err := s.run(ctx, reg); err != nil {
			s.logger.Error("Manually triggered job failed",
				zap.String("job_type", reg.jobType.String()),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Running 某类型任务当前是否在运行
func (s *Scheduler) Running(jobType models.JobType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobType]
}

// RegisteredTypes 已注册的任务类型（状态接口使用）
func (s *Scheduler) RegisteredTypes() []models.JobType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]models.JobType, 0, len(s.registrations))
	for jobType := range s.registrations {
		types = append(types, jobType)
	}
	return types
}

// runLoop 单个任务的触发循环
func (s *Scheduler) runLoop(ctx context.Context, reg *registration) {
	defer s.wg.Done()

	next := reg.trigger.Next(s.clock.Now().UTC())
	for {
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
			if _, err := s.execute(ctx, reg); err != nil && !errors.Is(err, ErrJobAlreadyRunning) {
				s.logger.Error("Scheduled job failed",
					zap.String("job_type", reg.jobType.String()),
					zap.Error(err),
				)
			}
			next = reg.trigger.Next(s.clock.Now().UTC())
		}
	}
}

// acquire 抢占某类型的互斥槽位；已被占用时返回 false
func (s *Scheduler) acquire(jobType models.JobType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[jobType] {
		return false
	}
	s.running[jobType] = true
	return true
}

func (s *Scheduler) release(jobType models.JobType) {
	s.mu.Lock()
	s.running[jobType] = false
	s.mu.Unlock()
}

// execute 执行一次任务：互斥检查 → 建行 → running → handler → completed/failed
// 被跳过的触发不产生任务行，只留一条日志
func (s *Scheduler) execute(ctx context.Context, reg *registration) (*models.ProcessingJob, error) {
	if !s.acquire(reg.jobType) {
		s.logger.Warn("Job trigger skipped, previous run still in progress",
			zap.String("job_type", reg.jobType.String()),
		)
		return nil, ErrJobAlreadyRunning
	}
	defer s.release(reg.jobType)

	return s.run(ctx, reg)
}

// run 槽位已抢占后的任务体：建行 → running → handler → completed/failed
// 槽位的释放由调用方负责
func (s *Scheduler) run(ctx context.Context, reg *registration) (*models.ProcessingJob, error) {
	job := &models.ProcessingJob{JobType: reg.jobType}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}
	if err := s.jobs.MarkRunning(ctx, job.JobID); err != nil {
		return job, fmt.Errorf("mark job running: %w", err)
	}

	s.logger.Info("Job started",
		zap.String("job_id", job.JobID),
		zap.String("job_type", reg.jobType.String()),
	)

	jobCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	processed, failed, err := reg.handler(jobCtx)
	if err != nil {
		if markErr := s.jobs.MarkFailed(ctx, job.JobID, processed, failed, err.Error()); markErr != nil {
			s.logger.Error("Failed to mark job failed",
				zap.String("job_id", job.JobID), zap.Error(markErr))
		}
		s.logger.Error("Job failed",
			zap.String("job_id", job.JobID),
			zap.String("job_type", reg.jobType.String()),
			zap.Int("items_processed", processed),
			zap.Int("items_failed", failed),
			zap.Error(err),
		)
		return job, err
	}

	if markErr := s.jobs.MarkCompleted(ctx, job.JobID, processed, failed); markErr != nil {
		s.logger.Error("Failed to mark job completed",
			zap.String("job_id", job.JobID), zap.Error(markErr))
		return job, markErr
	}

	s.logger.Info("Job completed",
		zap.String("job_id", job.JobID),
		zap.String("job_type", reg.jobType.String()),
		zap.Int("items_processed", processed),
		zap.Int("items_failed", failed),
	)
	return job, nil
}
