package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cmdsched/internal/domain"
)

// Key layout, all under the configured prefix:
//
//	<prefix>record:<id>  hash {timestamp, command, state, claimed_at, created_at}
//	<prefix>due          zset of pending ids scored by timestamp
//	<prefix>executing    zset of executing ids scored by claimed_at millis
//	<prefix>ids          zset of all ids scored by created_at millis
const defaultRedisPrefix = "cmdsched:"

// removeScript deletes the record hash and its index entries. Returns 1 only
// for the caller that deleted the hash.
var removeScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return n
`)

// casScript rewrites the record when state and claimed_at match and moves
// the id between the due and executing indexes.
var casScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return 0 end
if st ~= ARGV[2] or redis.call('HGET', KEYS[1], 'claimed_at') ~= ARGV[3] then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[4], 'claimed_at', ARGV[5], 'command', ARGV[6])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if ARGV[4] == 'pending' then
  redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'timestamp'), ARGV[1])
elseif ARGV[4] == 'executing' then
  redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
end
return 1
`)

// deleteVersionScript removes the record only when state and claimed_at match.
var deleteVersionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return 0 end
if st ~= ARGV[2] or redis.call('HGET', KEYS[1], 'claimed_at') ~= ARGV[3] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// OpenRedis connects to cfg.Addr and checks the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("queue: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := NewRedis(client, cfg.Prefix)
	r.owned = true
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	return r, nil
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(id string) string { return r.prefix + "record:" + id }
func (r *Redis) dueKey() string            { return r.prefix + "due" }
func (r *Redis) executingKey() string      { return r.prefix + "executing" }
func (r *Redis) idsKey() string            { return r.prefix + "ids" }

func (r *Redis) Insert(ctx context.Context, rec domain.Record) (string, error) {
	id := newID()
	if rec.State == "" {
		rec.State = domain.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.recordKey(id),
		"timestamp", rec.Timestamp,
		"command", rec.Command,
		"state", string(rec.State),
		"claimed_at", rec.ClaimedAt,
		"created_at", rec.CreatedAt.UnixNano(),
	)
	switch rec.State {
	case domain.StatePending:
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: float64(rec.Timestamp), Member: id})
	case domain.StateExecuting:
		pipe.ZAdd(ctx, r.executingKey(), redis.Z{Score: float64(rec.ClaimedAt / int64(time.Millisecond)), Member: id})
	}
	pipe.ZAdd(ctx, r.idsKey(), redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: redis insert: %w", err)
	}
	return id, nil
}

func (r *Redis) FindDue(ctx context.Context, now int64) ([]domain.Record, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis find due: %w", err)
	}
	recs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Due(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, id string) (bool, error) {
	keys := []string{r.recordKey(id), r.dueKey(), r.executingKey(), r.idsKey()}
	n, err := removeScript.Run(ctx, r.client, keys, id).Int()
	if err != nil {
		return false, fmt.Errorf("queue: redis remove: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, id string, expect domain.Version, next Update) (bool, error) {
	keys := []string{r.recordKey(id), r.dueKey(), r.executingKey()}
	n, err := casScript.Run(ctx, r.client, keys,
		id,
		string(expect.State),
		strconv.FormatInt(expect.ClaimedAt, 10),
		string(next.State),
		strconv.FormatInt(next.ClaimedAt, 10),
		next.Command,
		next.ClaimedAt/int64(time.Millisecond),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: redis compare and swap: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) DeleteVersion(ctx context.Context, id string, expect domain.Version) (bool, error) {
	keys := []string{r.recordKey(id), r.dueKey(), r.executingKey(), r.idsKey()}
	n, err := deleteVersionScript.Run(ctx, r.client, keys,
		id,
		string(expect.State),
		strconv.FormatInt(expect.ClaimedAt, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: redis delete version: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) FindStale(ctx context.Context, cutoff int64) ([]domain.Record, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.executingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff/int64(time.Millisecond), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis find stale: %w", err)
	}
	recs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.State == domain.StateExecuting && rec.ClaimedAt < cutoff {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, id string) (domain.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return domain.Record{}, fmt.Errorf("queue: redis get: %w", err)
	}
	if len(fields) == 0 {
		return domain.Record{}, ErrNotFound
	}
	return recordFromHash(id, fields)
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	ok, err := r.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) List(ctx context.Context, limit int) ([]domain.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, r.idsKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis list: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client when OpenRedis created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// load fetches hashes in one pipeline and skips ids whose hash is already gone.
func (r *Redis) load(ctx context.Context, ids []string) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: redis load: %w", err)
	}
	recs := make([]domain.Record, 0, len(ids))
	for i, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func recordFromHash(id string, f map[string]string) (domain.Record, error) {
	ts, err := strconv.ParseInt(f["timestamp"], 10, 64)
	if err != nil {
		return domain.Record{}, fmt.Errorf("queue: redis record %s: timestamp: %w", id, err)
	}
	claimed, err := strconv.ParseInt(f["claimed_at"], 10, 64)
	if err != nil {
		return domain.Record{}, fmt.Errorf("queue: redis record %s: claimed_at: %w", id, err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return domain.Record{}, fmt.Errorf("queue: redis record %s: created_at: %w", id, err)
	}
	return domain.Record{
		ID:        id,
		Timestamp: ts,
		Command:   []byte(f["command"]),
		State:     domain.FiniteState(f["state"]),
		ClaimedAt: claimed,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}
