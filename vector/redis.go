package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "corpus:vec:"

// Redis implements Index on plain Redis structures: one hash per vector and
// one set per collection tracking member IDs. Scoring happens client side,
// which keeps the adapter free of server modules; swap in a search-capable
// index behind the same port when collections outgrow it.
type Redis struct {
	rdb *redis.Client
}

var _ Index = (*Redis)(nil)

// NewRedis wraps a Redis client as an Index.
func NewRedis(rdb *redis.Client) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Redis{rdb: rdb}, nil
}

func collectionKey(collection string) string {
	return redisKeyPrefix + collection
}

func vectorKey(collection, id string) string {
	return redisKeyPrefix + collection + ":" + id
}

// Upsert implements Index.
func (r *Redis) Upsert(ctx context.Context, collection string, vec Vector) error {
	values, err := json.Marshal(vec.Values)
	if err != nil {
		return fmt.Errorf("encode vector %q: %w", vec.ID, err)
	}
	meta, err := json.Marshal(vec.Metadata)
	if err != nil {
		return fmt.Errorf("encode vector %q metadata: %w", vec.ID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, vectorKey(collection, vec.ID), "values", values, "metadata", meta)
	pipe.SAdd(ctx, collectionKey(collection), vec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert vector %q: %w", vec.ID, err)
	}
	return nil
}

// Search implements Index.
func (r *Redis) Search(ctx context.Context, collection string, query []float64, opts SearchOptions) ([]Match, error) {
	ids, err := r.rdb.SMembers(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list collection %q: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, vectorKey(collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load collection %q: %w", collection, err)
	}

	matches := make([]Match, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Deleted between SMEMBERS and HGETALL.
			continue
		}
		var values []float64
		if err := json.Unmarshal([]byte(fields["values"]), &values); err != nil {
			return nil, fmt.Errorf("decode vector %q: %w", ids[i], err)
		}
		var meta map[string]string
		if raw := fields["metadata"]; raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return nil, fmt.Errorf("decode vector %q metadata: %w", ids[i], err)
			}
		}
		if !matchesFilter(meta, opts.Filter) {
			continue
		}
		matches = append(matches, Match{ID: ids[i], Score: cosine(query, values), Metadata: meta})
	}
	return rank(matches, opts.K), nil
}

// Delete implements Index.
func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, vectorKey(collection, id))
	pipe.SRem(ctx, collectionKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete vector %q: %w", id, err)
	}
	return nil
}
