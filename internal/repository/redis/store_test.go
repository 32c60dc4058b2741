package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"onboard-service/internal/client"
)

// memoryStore is an in-process Store for tests; TTLs are recorded, not enforced
type memoryStore struct {
	mu    sync.Mutex
	kv    map[string]string
	lists map[string][]string
	ttls  map[string]time.Duration
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		kv:    make(map[string]string),
		lists: make(map[string][]string),
		ttls:  make(map[string]time.Duration),
	}
}

func (m *memoryStore) Set(ctx context.Context, key string, value interface{}, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.kv[key] = toString(value)
	m.ttls[key] = exp
	return nil
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", client.ErrKeyNotFound, key)
	}
	return v, nil
}

func (m *memoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.lists, k)
	}
	return m.err
}

func (m *memoryStore) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.kv[key] = toString(value)
	m.ttls[key] = exp
	return true, nil
}

func (m *memoryStore) RPushWithExpire(ctx context.Context, key string, exp time.Duration, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, v := range values {
		m.lists[key] = append(m.lists[key], toString(v))
	}
	m.ttls[key] = exp
	return nil
}

func (m *memoryStore) DrainList(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := m.lists[key]
	delete(m.lists, key)
	return out, nil
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

var errStoreDown = errors.New("connection refused")
