package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"abroad-docs-go/pkg/apperr"
)

// MemoryStore 把对象保存在进程内，未配置 MinIO 的单机模式和测试使用。
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, objectName string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, objectName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("对象 %s 不存在", objectName)
	}
	return data, nil
}

func (s *MemoryStore) Remove(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

func (s *MemoryStore) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", apperr.Unsupported("presigned urls require minio")
}

// Len 返回对象数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
