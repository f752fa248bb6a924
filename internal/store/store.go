// Package store is the persistence collaborator: a namespaced key/value
// store used for data that should survive restarts, such as suggestion
// feedback. Durability is eventual; callers write asynchronously.
package store

import (
	"context"
	"errors"
	"sync"
)

// DefaultNamespace is used by a freshly opened store.
const DefaultNamespace = "default"

// Well-known namespaces.
const (
	NamespaceFeedback = "feedback"
	NamespaceFixes    = "fixes"
)

var (
	// ErrEmptyKey is returned for writes without a key.
	ErrEmptyKey = errors.New("store: key is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store persists opaque values by key within one namespace.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	GetAll(ctx context.Context) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	ns   string
	data *memoryData
}

type memoryData struct {
	mu sync.RWMutex
	m  map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{ns: DefaultNamespace, data: &memoryData{m: make(map[string]map[string][]byte)}}
}

// Namespace returns a view of the same data scoped to ns.
func (m *Memory) Namespace(ns string) *Memory {
	return &Memory{ns: ns, data: m.data}
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	bucket, ok := m.data.m[m.ns]
	if !ok {
		bucket = make(map[string][]byte)
		m.data.m[m.ns] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	out := make(map[string][]byte, len(m.data.m[m.ns]))
	for k, v := range m.data.m[m.ns] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	delete(m.data.m[m.ns], key)
	return nil
}
