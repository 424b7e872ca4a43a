// Package redisbackend implements remotestore.Backend over Redis,
// grounded on original_source/src/cache/redis_cache_provider.cpp.
package redisbackend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/remotestore"
)

func init() {
	remotestore.RegisterBackend("redis", func() remotestore.Backend { return &Backend{} })
}

// Backend talks to a single Redis instance, using the namespaced key
// scheme buildcache_<hex>_<file_id> (spec §6).
type Backend struct {
	client *redis.Client
}

// Connect parses hostDescription as "host:port" (optionally
// "host:port/db_index", mirroring redis_cache_provider_t's host
// description parsing) and opens a connection.
func (b *Backend) Connect(ctx context.Context, hostDescription string) error {
	addr, db := splitHostDescription(hostDescription)
	b.client = redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return b.client.Ping(ctx).Err()
}

func splitHostDescription(hostDescription string) (addr string, db int) {
	addr = hostDescription
	db = 0
	for i := len(hostDescription) - 1; i >= 0; i-- {
		if hostDescription[i] == '/' {
			addr = hostDescription[:i]
			fmt.Sscanf(hostDescription[i+1:], "%d", &db)
			break
		}
	}
	return addr, db
}

func (b *Backend) Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error) {
	data, err := b.client.Get(ctx, remotestore.KeyFor(fp, remotestore.ManifestSuffix)).Bytes()
	if err == redis.Nil {
		return entry.Entry{}, remotestore.ErrMiss
	}
	if err != nil {
		return entry.Entry{}, err
	}
	return entry.Decode(data)
}

func (b *Backend) Add(ctx context.Context, fp digest.Fingerprint, e entry.Entry, fileMap map[string]string) error {
	for _, id := range e.FileIDs {
		path, ok := fileMap[id]
		if !ok {
			continue
		}
		var data []byte
		var err error
		if e.CompressionMode == entry.CompressionAll {
			data, err = compressFile(path)
		} else {
			data, err = readFile(path)
		}
		if err != nil {
			return fmt.Errorf("redisbackend: reading %s: %w", path, err)
		}
		if err := b.client.Set(ctx, remotestore.KeyFor(fp, id), data, 0).Err(); err != nil {
			return fmt.Errorf("redisbackend: storing file %s: %w", id, err)
		}
	}

	// The manifest is written last so that any client observing it is
	// guaranteed the artifacts are already present (spec §4.4).
	if err := b.client.Set(ctx, remotestore.KeyFor(fp, remotestore.ManifestSuffix), entry.Encode(e), 0).Err(); err != nil {
		return fmt.Errorf("redisbackend: storing manifest: %w", err)
	}
	return nil
}

func (b *Backend) GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error {
	data, err := b.client.Get(ctx, remotestore.KeyFor(fp, fileID)).Bytes()
	if err == redis.Nil {
		return remotestore.ErrMiss
	}
	if err != nil {
		return err
	}
	return writeFile(targetPath, data, decompress)
}

func (b *Backend) Disconnect() error {
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
