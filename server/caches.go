package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/storage/sqlite"
	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
)

// ErrUnknownCache is returned for a cache that was never published and has
// no loader.
var ErrUnknownCache = errors.New("unknown cache")

// Loader produces the value of a named cache.
type Loader func(ctx context.Context) (any, error)

// Caches is the registry of named caches. Values are persisted in the
// store; a cache that has never been published is produced by its loader on
// first read, once, however many readers arrive concurrently.
type Caches struct {
	store  *sqlite.Store
	hub    *Hub
	prefix string
	logger *slog.Logger

	mu      sync.RWMutex
	loaders map[string]Loader
	group   singleflight.Group
}

func newCaches(store *sqlite.Store, hub *Hub, prefix string, logger *slog.Logger) *Caches {
	return &Caches{
		store:   store,
		hub:     hub,
		prefix:  prefix,
		logger:  logger.With(slog.String("component", "server/caches")),
		loaders: make(map[string]Loader),
	}
}

// Register installs the loader for name.
func (c *Caches) Register(name string, loader Loader) error {
	if err := httpstore.CheckCacheName(name); err != nil {
		return err
	}
	c.mu.Lock()
	c.loaders[name] = loader
	c.mu.Unlock()
	return nil
}

// Get returns the current value of the named cache.
func (c *Caches) Get(ctx context.Context, name string) (any, error) {
	v, ok, err := c.store.Cache(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}

	c.mu.RLock()
	loader, ok := c.loaders[name]
	c.mu.RUnlock()
	if !ok {
		return nil, syncErrors.E(syncErrors.OpFetchCache, syncErrors.Component("server"), syncErrors.KindNotFound,
			fmt.Errorf("%w: %q", ErrUnknownCache, name))
	}

	v, err, shared := c.group.Do(name, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.store.PutCache(ctx, name, v); err != nil {
			return nil, err
		}
		c.logger.Info("cache loaded", slog.String("cache", name))
		return v, nil
	})
	if shared {
		c.logger.Debug("cache load shared", slog.String("cache", name))
	}
	return v, err
}

// Publish stores value as the named cache and tells every client to pull it.
func (c *Caches) Publish(ctx context.Context, name string, value any) error {
	if err := httpstore.CheckCacheName(name); err != nil {
		return syncErrors.E(syncErrors.OpFetchCache, syncErrors.Component("server"), syncErrors.KindInvalid, err)
	}
	if err := c.store.PutCache(ctx, name, value); err != nil {
		return err
	}
	c.hub.Broadcast(c.prefix + name)
	return nil
}

// Reload runs the loader for name again and publishes the result.
func (c *Caches) Reload(ctx context.Context, name string) error {
	c.mu.RLock()
	loader, ok := c.loaders[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCache, name)
	}
	v, err, _ := c.group.Do(name, func() (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return err
	}
	return c.Publish(ctx, name, v)
}

// Names lists the caches that currently hold a value.
func (c *Caches) Names(ctx context.Context) ([]string, error) {
	return c.store.CacheNames(ctx)
}
