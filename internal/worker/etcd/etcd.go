// Package etcd implements a worker.Registry fed by an etcd key prefix.
// Each key under the prefix holds one JSON-encoded worker.Worker; puts
// upsert and deletes remove.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terrpan/dispatch/internal/worker"
)

// DefaultPrefix is the key prefix workers register under.
const DefaultPrefix = "/dispatch/workers/"

// kv is the subset of *clientv3.Client the registry needs.
type kv interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// Config holds the parameters for New.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	StaleAfter  time.Duration
	Logger      *slog.Logger
}

// Registry mirrors the worker keys under a prefix into memory.
type Registry struct {
	client kv
	closer func() error
	prefix string
	cache  *worker.StaticRegistry
	logger *slog.Logger

	wg sync.WaitGroup
}

var _ worker.Registry = (*Registry)(nil)

// New connects to etcd.  Call Start to load and watch the prefix.
func New(cfg Config) (*Registry, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	r := newRegistry(cli, cfg)
	r.closer = cli.Close
	return r, nil
}

func newRegistry(client kv, cfg Config) *Registry {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		client: client,
		prefix: cfg.Prefix,
		cache:  worker.NewStaticRegistry(cfg.StaleAfter),
		logger: cfg.Logger.WithGroup("etcd_registry"),
	}
}

// Start loads the current worker set and keeps it current until ctx is
// cancelled.
func (r *Registry) Start(ctx context.Context) error {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	for _, item := range resp.Kvs {
		r.put(string(item.Key), item.Value)
	}
	r.logger.Info("loaded workers",
		slog.Int("count", len(resp.Kvs)),
		slog.String("prefix", r.prefix),
	)

	rev := int64(0)
	if resp.Header != nil {
		rev = resp.Header.Revision
	}
	watch := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for wr := range watch {
			if err := wr.Err(); err != nil {
				r.logger.Warn("watch error", slog.String("error", err.Error()))
				continue
			}
			for _, ev := range wr.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					r.put(string(ev.Kv.Key), ev.Kv.Value)
				case clientv3.EventTypeDelete:
					id := strings.TrimPrefix(string(ev.Kv.Key), r.prefix)
					r.cache.Remove(id)
					r.logger.Info("worker removed", slog.String("worker", id))
				}
			}
		}
	}()
	return nil
}

func (r *Registry) put(key string, value []byte) {
	w, err := decode(key, value, r.prefix)
	if err != nil {
		r.logger.Warn("skipping worker", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	r.cache.Upsert(w)
}

// decode parses a worker value.  A missing id is taken from the key.
func decode(key string, value []byte, prefix string) (worker.Worker, error) {
	var w worker.Worker
	if err := json.Unmarshal(value, &w); err != nil {
		return worker.Worker{}, fmt.Errorf("decode worker: %w", err)
	}
	if w.ID == "" {
		w.ID = strings.TrimPrefix(key, prefix)
	}
	if w.ID == "" {
		return worker.Worker{}, fmt.Errorf("decode worker: empty id")
	}
	return w, nil
}

// Workers implements worker.Registry.
func (r *Registry) Workers() []worker.Worker { return r.cache.Workers() }

// Get implements worker.Registry.
func (r *Registry) Get(id string) (worker.Worker, bool) { return r.cache.Get(id) }

// Close waits for the watch loop (whose context must already be done) and
// closes the etcd client.
func (r *Registry) Close() error {
	r.wg.Wait()
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
