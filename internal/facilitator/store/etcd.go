package store

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// Etcd is the etcd-backed driver for clustered deployments where several
// facilitator replicas share one record set.
type Etcd struct {
	client    *clientv3.Client
	endpoint  string
	namespace string
	log       *logging.Logger
}

// NewEtcd connects and probes the first endpoint before accepting the
// configuration.
func NewEtcd(cfg config.EtcdConfig, log *logging.Logger) (*Etcd, error) {
	if log == nil {
		log = logging.Global()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: etcd client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: etcd %s unreachable", cfg.Endpoints[0])
	}
	ns := cfg.Namespace
	if ns != "" && !strings.HasSuffix(ns, "/") {
		ns += "/"
	}
	return &Etcd{client: client, endpoint: cfg.Endpoints[0], namespace: ns, log: log}, nil
}

func (e *Etcd) PutRecord(ctx context.Context, rec contract.ServiceConfigRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, http.StatusInternalServerError)
	}
	if _, err := e.client.Put(ctx, e.namespace+recordKey(rec.Key()), string(b)); err != nil {
		return errors.Wrapf(err, CodePutFailed, http.StatusServiceUnavailable, "store: put %s", rec.Key())
	}
	return nil
}

func (e *Etcd) GetRecord(ctx context.Context, key string) (contract.ServiceConfigRecord, bool, error) {
	resp, err := e.client.Get(ctx, e.namespace+recordKey(key))
	if err != nil {
		return contract.ServiceConfigRecord{}, false, errors.Wrapf(err, CodeGetFailed, http.StatusServiceUnavailable, "store: get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return contract.ServiceConfigRecord{}, false, nil
	}
	var rec contract.ServiceConfigRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return contract.ServiceConfigRecord{}, false, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "store: record %s is corrupt", key)
	}
	return rec, true, nil
}

func (e *Etcd) DeleteRecord(ctx context.Context, key string) (bool, error) {
	resp, err := e.client.Delete(ctx, e.namespace+recordKey(key))
	if err != nil {
		return false, errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: delete %s", key)
	}
	return resp.Deleted > 0, nil
}

func (e *Etcd) ListRecords(ctx context.Context) ([]contract.ServiceConfigRecord, error) {
	resp, err := e.client.Get(ctx, e.namespace+recordPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: list records")
	}
	recs := make([]contract.ServiceConfigRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec contract.ServiceConfigRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			e.log.Warn("store: skipping corrupt record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func (e *Etcd) PutPolicy(ctx context.Context, p contract.RoutePolicy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, http.StatusInternalServerError)
	}
	if _, err := e.client.Put(ctx, e.namespace+policyKey(p), string(b)); err != nil {
		return errors.Wrapf(err, CodePutFailed, http.StatusServiceUnavailable, "store: put policy %s", p.Key())
	}
	return nil
}

func (e *Etcd) ListPolicies(ctx context.Context, svcconfigID string) ([]contract.RoutePolicy, error) {
	resp, err := e.client.Get(ctx, e.namespace+policyScope(svcconfigID), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: list policies %s", svcconfigID)
	}
	out := make([]contract.RoutePolicy, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p contract.RoutePolicy
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			e.log.Warn("store: skipping corrupt policy", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sortPolicies(out)
	return out, nil
}

func (e *Etcd) DeletePolicies(ctx context.Context, svcconfigID string) (int, error) {
	resp, err := e.client.Delete(ctx, e.namespace+policyScope(svcconfigID), clientv3.WithPrefix())
	if err != nil {
		return 0, errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: policy delete %s", svcconfigID)
	}
	return int(resp.Deleted), nil
}

func (e *Etcd) Name() string { return TypeEtcd }

func (e *Etcd) Ping(ctx context.Context) error {
	if _, err := e.client.Status(ctx, e.endpoint); err != nil {
		return errors.Wrap(err, CodePingFailed, http.StatusServiceUnavailable)
	}
	return nil
}

func (e *Etcd) Close() error { return e.client.Close() }
