package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed 协程池已停止，不再接受任务
var ErrPoolClosed = errors.New("worker pool closed")

// Task 可取消的任务
type Task func(ctx context.Context)

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免创建过多协程导致资源耗尽
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	log        *zap.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        log,
	}
}

// Run 启动工作协程并阻塞到 ctx 取消，返回前等待正在执行的任务结束
func (p *WorkerPool) Run(ctx context.Context) error {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	<-ctx.Done()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// TrySubmit 尝试提交任务
//
// 如果队列已满，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, ErrPoolClosed
	}

	select {
	case p.taskQueue <- task:
		return true, nil
	default:
		return false, nil
	}
}

// Pending 队列中等待执行的任务数
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(ctx, task)
		}
	}
}

// execute 执行任务（捕获 panic）
func (p *WorkerPool) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task(ctx)
}
