package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
	"SleepyTesting/pkg/logger"
)

// OutcomeSuccess 是唯一会被记录的结果。
const OutcomeSuccess = "success"

// HistoryEntry 记录某个步骤指纹的成功历史。
type HistoryEntry struct {
	Fingerprint  string        `json:"fingerprint"`
	Description  string        `json:"description"`
	Platform     step.Platform `json:"platform"`
	DeviceID     string        `json:"device_id,omitempty"`
	SuccessCount int           `json:"success_count"`
	LastOutcome  string        `json:"last_outcome"`
	UpdatedAt    int64         `json:"updated_at"`
}

// Persister 负责历史条目的持久化。Save 在持有存储锁时同步调用。
type Persister interface {
	Load(ctx context.Context) ([]HistoryEntry, error)
	Save(ctx context.Context, entry HistoryEntry) error
}

// Store 是按步骤指纹索引的模式存储。
type Store struct {
	mu        sync.RWMutex
	entries   map[string]HistoryEntry
	persister Persister
	publisher eventbus.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithPersister 配置持久化后端。
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithPublisher 配置 MEMORY_UPDATED 事件的发布者。
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// NewStore 创建模式存储。
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]HistoryEntry),
		logger:  logger.Named("memory"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load 从持久化后端恢复历史条目。
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	entries, err := s.persister.Load(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载历史模式失败")
	}
	s.mu.Lock()
	for _, entry := range entries {
		s.entries[entry.Fingerprint] = entry
	}
	s.mu.Unlock()
	s.logger.Info("历史模式已加载", slog.Int("count", len(entries)))
	return nil
}

// Ping 探测持久化后端，后端不支持探测时视为可用。
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pinger, ok := s.persister.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "历史模式后端不可用")
	}
	return nil
}

// Record 在步骤通过时更新历史并同步持久化；未通过时不做任何修改。
func (s *Store) Record(ctx context.Context, st step.UIStep, passed bool) error {
	if !passed {
		return nil
	}
	fp := step.Fingerprint(st)

	s.mu.Lock()
	entry, ok := s.entries[fp]
	if !ok {
		entry = HistoryEntry{Fingerprint: fp}
	}
	entry.Description = st.Description
	entry.Platform = st.Platform
	entry.DeviceID = st.DeviceID
	entry.SuccessCount++
	entry.LastOutcome = OutcomeSuccess
	entry.UpdatedAt = s.now().Unix()

	if s.persister != nil {
		if err := s.persister.Save(ctx, entry); err != nil {
			s.mu.Unlock()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化历史模式失败")
		}
	}
	s.entries[fp] = entry
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(ctx, eventbus.MemoryUpdated, map[string]any{
			"memory_id":     fp,
			"success_count": entry.SuccessCount,
		})
	}
	return nil
}

// Optimize 用已知成功的历史替换步骤的描述、平台与设备，返回等长且保序的序列。
func (s *Store) Optimize(_ context.Context, steps []step.UIStep) []step.UIStep {
	out := make([]step.UIStep, len(steps))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for idx, st := range steps {
		entry, ok := s.entries[step.Fingerprint(st)]
		if !ok || entry.SuccessCount <= 0 || entry.LastOutcome != OutcomeSuccess {
			out[idx] = st.Clone()
			continue
		}
		optimized := st.Clone()
		optimized.Description = entry.Description
		optimized.Platform = entry.Platform
		optimized.DeviceID = entry.DeviceID
		out[idx] = optimized
	}
	return out
}

// Lookup 返回指纹对应的历史条目。
func (s *Store) Lookup(fingerprint string) (HistoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[fingerprint]
	return entry, ok
}

// Len 返回条目数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
