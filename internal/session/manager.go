// Package session 维护任务会话及其键值数据。
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "SleepyTesting/internal/errors"
)

// Session 是一次会话的快照。
type Session struct {
	ID        string
	StartedAt time.Time
	Data      map[string]any
}

// Manager 是并发安全的内存会话管理器。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	current  string
}

// NewManager 创建会话管理器。
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Start 创建会话并设为当前会话。id 为空时生成 UUID，已存在时返回冲突。
func (m *Manager) Start(id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return "", xerrors.New(xerrors.CodeConflict, fmt.Sprintf("会话 %s 已存在", id))
	}
	m.sessions[id] = &Session{ID: id, StartedAt: time.Now().UTC(), Data: make(map[string]any)}
	m.current = id
	return id, nil
}

// Ensure 返回已存在的会话，不存在时创建。
func (m *Manager) Ensure(id string) (string, error) {
	if id != "" {
		m.mu.RLock()
		_, ok := m.sessions[id]
		m.mu.RUnlock()
		if ok {
			return id, nil
		}
	}
	created, err := m.Start(id)
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return id, nil
	}
	return created, err
}

// Get 读取会话中的数据。
func (m *Manager) Get(id, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	value, ok := s.Data[key]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 中没有 %s", id, key))
	}
	return value, nil
}

// Set 写入会话数据。
func (m *Manager) Set(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	s.Data[key] = value
	return nil
}

// Snapshot 返回会话的拷贝。
func (m *Manager) Snapshot(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	clone := Session{ID: s.ID, StartedAt: s.StartedAt, Data: make(map[string]any, len(s.Data))}
	for k, v := range s.Data {
		clone.Data[k] = v
	}
	return clone, true
}

// End 删除会话。
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	delete(m.sessions, id)
	if m.current == id {
		m.current = ""
	}
	return nil
}

// Current 返回最近开始或切换到的会话。
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Use 切换当前会话。
func (m *Manager) Use(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id))
	}
	m.current = id
	return nil
}
