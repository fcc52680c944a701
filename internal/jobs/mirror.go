package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "job:"
	updateRetries = 5
)

// Mirror はジョブ状態の写しを外部に保存します。
// メモリ上のレジストリが正であり、ミラーは再起動後の状態参照にだけ使います。
type Mirror interface {
	Save(ctx context.Context, snap Snapshot) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Load(ctx context.Context, jobID string) (*Snapshot, error)
	Delete(ctx context.Context, jobID string) error
}

// RedisMirror はジョブ状態を Redis に JSON で保存します。
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMirror は RedisMirror を作成します。
func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		rdb: rdb,
		ttl: ttl,
	}
}

// Load はジョブ情報を取得します。存在しない場合は nil を返します。
func (m *RedisMirror) Load(ctx context.Context, jobID string) (*Snapshot, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := m.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save はジョブ情報を保存します（存在しない場合は作成）。
func (m *RedisMirror) Save(ctx context.Context, snap Snapshot) error {
	if snap.JobID == "" {
		return fmt.Errorf("jobID is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, jobKey(snap.JobID), payload, m.ttl).Err()
}

// UpdateProgress は進捗だけを更新します。値が減る更新は無視します。
func (m *RedisMirror) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return m.updatePartial(ctx, jobID, func(snap *Snapshot) {
		if snap.Status.Terminal() || progress <= snap.Progress {
			return
		}
		snap.Progress = progress
		snap.UpdatedAt = time.Now().UTC()
	})
}

// Delete はジョブ情報を削除します。
func (m *RedisMirror) Delete(ctx context.Context, jobID string) error {
	return m.rdb.Del(ctx, jobKey(jobID)).Err()
}

func (m *RedisMirror) updatePartial(ctx context.Context, jobID string, mutate func(*Snapshot)) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		mutate(&snap)
		payload, err := json.Marshal(&snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err := m.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
