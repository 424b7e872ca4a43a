package localstore

import (
	"encoding/binary"
	"fmt"
	"os"
)

// StatsDelta is one invocation's contribution to the cumulative
// hit/miss/insert counters, grounded on local_cache_t's cache_stats_t
// (original_source/src/cache/local_cache.hpp's update_stats) and spec
// §11's "cache statistics delta tracking".
type StatsDelta struct {
	Hits    int64
	Misses  int64
	Inserts int64
}

func (d StatsDelta) add(o StatsDelta) StatsDelta {
	return StatsDelta{Hits: d.Hits + o.Hits, Misses: d.Misses + o.Misses, Inserts: d.Inserts + o.Inserts}
}

func (s *Store) statsPath() string {
	return s.manifestPath + ".stats"
}

// RecordStatsDelta folds d into the cumulative counters under the same
// exclusive lock the manifest uses, so a concurrent reader of
// CumulativeStats never observes a torn update.
func (s *Store) RecordStatsDelta(d StatsDelta) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("localstore: acquiring manifest lock: %w", err)
	}
	defer s.lock.Unlock()

	cur, err := readStatsFile(s.statsPath())
	if err != nil {
		return err
	}
	return writeStatsFile(s.statsPath(), cur.add(d))
}

// CumulativeStats reports the hit/miss/insert counters accumulated
// since the store was created or last reset with ResetStats.
func (s *Store) CumulativeStats() (StatsDelta, error) {
	return readStatsFile(s.statsPath())
}

// ResetStats zeroes the cumulative counters, grounded on
// local_cache_t::zero_stats (distinct from Clear, which removes cached
// entries entirely).
func (s *Store) ResetStats() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("localstore: acquiring manifest lock: %w", err)
	}
	defer s.lock.Unlock()
	return writeStatsFile(s.statsPath(), StatsDelta{})
}

const statsRecordSize = 8 * 3

func readStatsFile(path string) (StatsDelta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatsDelta{}, nil
		}
		return StatsDelta{}, fmt.Errorf("localstore: reading stats: %w", err)
	}
	if len(data) < statsRecordSize {
		return StatsDelta{}, nil
	}
	return StatsDelta{
		Hits:    int64(binary.LittleEndian.Uint64(data[0:8])),
		Misses:  int64(binary.LittleEndian.Uint64(data[8:16])),
		Inserts: int64(binary.LittleEndian.Uint64(data[16:24])),
	}, nil
}

func writeStatsFile(path string, d StatsDelta) error {
	var buf [statsRecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.Hits))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.Misses))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(d.Inserts))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return fmt.Errorf("localstore: writing stats: %w", err)
	}
	return os.Rename(tmp, path)
}
