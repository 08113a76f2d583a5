package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/edwflow/types"
)

const ckptKeyPrefix = "edwflow:ckpt"

// RedisCheckpointStore 基于 Redis 的检查点存储。
//
// 每个快照存于 edwflow:ckpt:{session}:{seq}，会话的序号集合维护在
// edwflow:ckpt:{session}:index（ZSET，score=seq）。
type RedisCheckpointStore struct {
	client redis.UniversalClient
}

// NewRedisCheckpointStore creates a store backed by client.
func NewRedisCheckpointStore(client redis.UniversalClient) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client}
}

func ckptKey(sessionID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", ckptKeyPrefix, sessionID, seq)
}

func ckptIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:index", ckptKeyPrefix, sessionID)
}

// Save persists a checkpoint and registers its seq in the session index.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrKindInternal, "marshal checkpoint").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ckptKey(cp.SessionID, cp.Seq), data, 0)
	pipe.ZAdd(ctx, ckptIndexKey(cp.SessionID), redis.Z{
		Score:  float64(cp.Seq),
		Member: strconv.FormatInt(cp.Seq, 10),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Transient("redis checkpoint save", err)
	}
	return nil
}

// Latest returns the highest-seq checkpoint for the session.
func (s *RedisCheckpointStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	members, err := s.client.ZRevRange(ctx, ckptIndexKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, types.Transient("redis checkpoint index read", err)
	}
	if len(members) == 0 {
		return nil, ErrNoCheckpoint
	}
	seq, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, types.NewError(types.ErrKindStateCorruption,
			"checkpoint index entry is not a sequence number").WithCause(err)
	}

	data, err := s.client.Get(ctx, ckptKey(sessionID, seq)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, types.Transient("redis checkpoint read", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.NewError(types.ErrKindStateCorruption,
			"checkpoint record failed to decode").WithCause(err)
	}
	return &cp, nil
}

// Seqs lists the session's stored sequence numbers, ascending.
func (s *RedisCheckpointStore) Seqs(ctx context.Context, sessionID string) ([]int64, error) {
	members, err := s.client.ZRange(ctx, ckptIndexKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, types.Transient("redis checkpoint index read", err)
	}
	seqs := make([]int64, 0, len(members))
	for _, m := range members {
		seq, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// Delete removes one checkpoint and its index entry.
func (s *RedisCheckpointStore) Delete(ctx context.Context, sessionID string, seq int64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ckptKey(sessionID, seq))
	pipe.ZRem(ctx, ckptIndexKey(sessionID), strconv.FormatInt(seq, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Transient("redis checkpoint delete", err)
	}
	return nil
}
