// Package tasks 定义了后台文档处理任务及其投递队列。
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"abroad-docs-go/pkg/log"
)

// DocumentProcessingTask 是从上传路径投递给后台处理器的消息。
type DocumentProcessingTask struct {
	JobID      string    `json:"job_id"`
	TrackingID string    `json:"tracking_id"`
	OwnerID    string    `json:"owner_id"`
	ObjectName string    `json:"object_name"`
	FileName   string    `json:"file_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler 处理一个任务。返回的错误只用于日志，任务不会被重投。
type Handler interface {
	Process(ctx context.Context, task DocumentProcessingTask) error
}

// HandlerFunc 让普通函数实现 Handler。
type HandlerFunc func(ctx context.Context, task DocumentProcessingTask) error

func (f HandlerFunc) Process(ctx context.Context, task DocumentProcessingTask) error {
	return f(ctx, task)
}

// Queue 是任务队列。Start 阻塞直到 ctx 结束或队列关闭。
type Queue interface {
	Enqueue(ctx context.Context, task DocumentProcessingTask) error
	Start(ctx context.Context, h Handler) error
	Close() error
}

var ErrQueueClosed = errors.New("task queue closed")

// MemoryQueue 是进程内队列，用于单机模式和测试。
type MemoryQueue struct {
	tasks   chan DocumentProcessingTask
	workers int
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	senders sync.WaitGroup
	pending sync.WaitGroup
}

// NewMemoryQueue 创建一个带缓冲的进程内队列，workers 为并发处理数。
func NewMemoryQueue(workers, buffer int) *MemoryQueue {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{
		tasks:   make(chan DocumentProcessingTask, buffer),
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Enqueue 在队列已满时阻塞，直到有空位、ctx 结束或队列被关闭。
func (q *MemoryQueue) Enqueue(ctx context.Context, task DocumentProcessingTask) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.senders.Add(1)
	q.mu.RUnlock()
	defer q.senders.Done()

	q.pending.Add(1)
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		q.pending.Done()
		return ErrQueueClosed
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Start 启动 workers 个消费协程并阻塞，直到 ctx 结束或 Close 后队列排空。
func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.tasks:
					q.run(ctx, h, task, id)
				case <-q.done:
					q.drain(ctx, h, id)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// drain 等待阻塞中的 Enqueue 全部返回，然后处理缓冲区中剩余的任务。
func (q *MemoryQueue) drain(ctx context.Context, h Handler, worker int) {
	q.senders.Wait()
	for {
		select {
		case task := <-q.tasks:
			q.run(ctx, h, task, worker)
		default:
			return
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, h Handler, task DocumentProcessingTask, worker int) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[MemoryQueue] worker %d 处理任务 panic: trackingId=%s, %v", worker, task.TrackingID, r)
		}
	}()
	if err := h.Process(ctx, task); err != nil {
		log.Errorf("[MemoryQueue] 处理任务失败: trackingId=%s, err=%v", task.TrackingID, err)
	}
}

// Wait 阻塞直到所有已入队的任务处理完毕，主要供测试使用。
func (q *MemoryQueue) Wait() {
	q.pending.Wait()
}

// Close 拒绝新任务并唤醒阻塞中的 Enqueue，正在运行的 Start 在排空后返回。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
