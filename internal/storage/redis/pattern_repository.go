package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/memory"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// PatternRepository 将历史条目保存在一个 Redis 哈希中，字段为步骤指纹。
type PatternRepository struct {
	client *goredis.Client
	key    string
}

// NewPatternRepository 连接 Redis 并返回仓库。
func NewPatternRepository(ctx context.Context, cfg Config) (*PatternRepository, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewPatternRepositoryWithClient(client, cfg.Key), nil
}

// NewPatternRepositoryWithClient 使用已有客户端创建仓库。
func NewPatternRepositoryWithClient(client *goredis.Client, key string) *PatternRepository {
	if key == "" {
		key = "sleepy:patterns"
	}
	return &PatternRepository{client: client, key: key}
}

// Load 读取全部历史条目。
func (r *PatternRepository) Load(ctx context.Context) ([]memory.HistoryEntry, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 历史失败")
	}
	entries := make([]memory.HistoryEntry, 0, len(values))
	for fp, raw := range values {
		var entry memory.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析历史 %s 失败", fp))
		}
		entry.Fingerprint = fp
		entries = append(entries, entry)
	}
	return entries, nil
}

// Save 写入单个条目。
func (r *PatternRepository) Save(ctx context.Context, entry memory.HistoryEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码历史条目失败")
	}
	if err := r.client.HSet(ctx, r.key, entry.Fingerprint, encoded).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 历史失败")
	}
	return nil
}

// Ping 检查 Redis 连接。
func (r *PatternRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 模式仓库不可用")
	}
	return nil
}

// Close 关闭连接。
func (r *PatternRepository) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ memory.Persister = (*PatternRepository)(nil)
