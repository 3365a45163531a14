package pipeline

import (
	"context"
	"sync"
)

// CancelRegistry 记录本进程内正在处理的文档，删除文档时据此取消处理。
type CancelRegistry struct {
	mu      sync.Mutex
	running map[string]*entry
}

type entry struct {
	cancel context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{running: make(map[string]*entry)}
}

// Register 返回一个可被 Cancel 取消的子 context，处理结束后必须调用 release。
func (r *CancelRegistry) Register(ctx context.Context, trackingID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel}
	r.mu.Lock()
	r.running[trackingID] = e
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		if r.running[trackingID] == e {
			delete(r.running, trackingID)
		}
		r.mu.Unlock()
		cancel()
	}
}

// Cancel 取消正在处理的文档，文档不在本进程处理时返回 false。
func (r *CancelRegistry) Cancel(trackingID string) bool {
	r.mu.Lock()
	e, ok := r.running[trackingID]
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}
