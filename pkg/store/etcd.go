package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// DefaultEtcdKey is where EtcdIndex keeps the index when no key is given.
const DefaultEtcdKey = "/otad/firmware/index"

// maxCASAttempts bounds the compare-and-swap retry loop in Update.
const maxCASAttempts = 16

// EtcdIndex keeps the whole index as one JSON value under a single key.
// Updates are compare-and-swap on the key's ModRevision, so replicas sharing
// the same etcd cluster never lose each other's appends.
type EtcdIndex struct {
	client *clientv3.Client
	key    string
}

// NewEtcdIndex dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdIndex(endpoints []string, key string, dialTimeout time.Duration) (*EtcdIndex, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if key == "" {
		key = DefaultEtcdKey
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdIndex{client: client, key: key}, nil
}

// Close releases the underlying etcd client connection.
func (e *EtcdIndex) Close() error {
	return e.client.Close()
}

// Load implements Index.
func (e *EtcdIndex) Load(ctx context.Context) ([]model.Artifact, error) {
	list, _, err := e.get(ctx)
	return list, err
}

// Update implements Index.
func (e *EtcdIndex) Update(ctx context.Context, fn func([]model.Artifact) ([]model.Artifact, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		list, rev, err := e.get(ctx)
		if err != nil {
			return err
		}
		next, err := fn(list)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}

		// rev == 0 means the key does not exist yet.
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(e.key), "=", rev)).
			Then(clientv3.OpPut(e.key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("etcd txn %q: %w", e.key, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return errors.New("etcd index: too much contention")
}

func (e *EtcdIndex) get(ctx context.Context) ([]model.Artifact, int64, error) {
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", e.key, err)
	}
	if len(resp.Kvs) == 0 {
		return []model.Artifact{}, 0, nil
	}
	var list []model.Artifact
	if err := json.Unmarshal(resp.Kvs[0].Value, &list); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %q: %w", e.key, err)
	}
	return list, resp.Kvs[0].ModRevision, nil
}
