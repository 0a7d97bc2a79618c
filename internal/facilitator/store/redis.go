package store

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// Redis is the redis-backed driver. Values are the canonical JSON wire
// forms, so the store can be inspected and repaired with redis-cli.
type Redis struct {
	client *redis.Client
	prefix string
	log    *logging.Logger
}

// NewRedis connects and verifies the backend is reachable.
func NewRedis(cfg config.RedisConfig, log *logging.Logger) (*Redis, error) {
	if log == nil {
		log = logging.Global()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: redis %s unreachable", cfg.Address)
	}
	return &Redis{client: client, prefix: cfg.KeyPrefix, log: log}, nil
}

func (r *Redis) PutRecord(ctx context.Context, rec contract.ServiceConfigRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, http.StatusInternalServerError)
	}
	if err := r.client.Set(ctx, r.prefix+recordKey(rec.Key()), b, 0).Err(); err != nil {
		return errors.Wrapf(err, CodePutFailed, http.StatusServiceUnavailable, "store: put %s", rec.Key())
	}
	return nil
}

func (r *Redis) GetRecord(ctx context.Context, key string) (contract.ServiceConfigRecord, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+recordKey(key)).Bytes()
	if err == redis.Nil {
		return contract.ServiceConfigRecord{}, false, nil
	}
	if err != nil {
		return contract.ServiceConfigRecord{}, false, errors.Wrapf(err, CodeGetFailed, http.StatusServiceUnavailable, "store: get %s", key)
	}
	var rec contract.ServiceConfigRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return contract.ServiceConfigRecord{}, false, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "store: record %s is corrupt", key)
	}
	return rec, true, nil
}

func (r *Redis) DeleteRecord(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefix+recordKey(key)).Result()
	if err != nil {
		return false, errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: delete %s", key)
	}
	return n > 0, nil
}

func (r *Redis) ListRecords(ctx context.Context) ([]contract.ServiceConfigRecord, error) {
	values, err := r.scanValues(ctx, r.prefix+recordPrefix)
	if err != nil {
		return nil, err
	}
	recs := make([]contract.ServiceConfigRecord, 0, len(values))
	for key, raw := range values {
		var rec contract.ServiceConfigRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.log.Warn("store: skipping corrupt record", zap.String("key", key), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func (r *Redis) PutPolicy(ctx context.Context, p contract.RoutePolicy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, http.StatusInternalServerError)
	}
	if err := r.client.Set(ctx, r.prefix+policyKey(p), b, 0).Err(); err != nil {
		return errors.Wrapf(err, CodePutFailed, http.StatusServiceUnavailable, "store: put policy %s", p.Key())
	}
	return nil
}

func (r *Redis) ListPolicies(ctx context.Context, svcconfigID string) ([]contract.RoutePolicy, error) {
	values, err := r.scanValues(ctx, r.prefix+policyScope(svcconfigID))
	if err != nil {
		return nil, err
	}
	out := make([]contract.RoutePolicy, 0, len(values))
	for key, raw := range values {
		var p contract.RoutePolicy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			r.log.Warn("store: skipping corrupt policy", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sortPolicies(out)
	return out, nil
}

func (r *Redis) DeletePolicies(ctx context.Context, svcconfigID string) (int, error) {
	pattern := r.prefix + policyScope(svcconfigID) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: policy scan %s", svcconfigID)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: policy delete %s", svcconfigID)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// scanValues walks a key prefix and bulk-fetches the surviving keys.
// Keys deleted between the scan and the MGET come back nil and are
// skipped.
func (r *Redis) scanValues(ctx context.Context, prefix string) (map[string]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: scan %s", prefix)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: mget %s", prefix)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = s
	}
	return out, nil
}

func (r *Redis) Name() string { return TypeRedis }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, CodePingFailed, http.StatusServiceUnavailable)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
