// Package localstore implements the local store (spec §4.3, C3): a
// content-addressed directory tree plus a global manifest with
// size-bounded LRU eviction, grounded on
// original_source/src/cache/local_cache.hpp.
package localstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/buildcache/corecache/internal/bcerrors"
	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/ioworker"
	"github.com/buildcache/corecache/internal/materialize"
	"github.com/buildcache/corecache/internal/workpool"
)

// Pool sizes for fanning insert-path work off the calling goroutine
// (spec §4.5, C5/C6). These are deliberately small and fixed: a local
// insert touches at most a handful of artifacts at once.
const (
	defaultStageWorkers = 4
	defaultCloseWorkers = 2
)

// EntryFileSuffix is the manifest file name inside each entry directory.
const EntryFileSuffix = ".entry"

// Store is the local, content-addressed cache directory tree described
// by spec §6.
type Store struct {
	root         string
	maxBytes     int64
	manifestPath string
	lock         *manifestLock
	logger       zerolog.Logger

	// stagePool fans the per-artifact copy/compress work of Add out
	// across goroutines instead of running it serially on the inserting
	// caller (C6). closePool absorbs the fsync/close latency of each
	// staged file's destination handle (C5).
	stagePool *workpool.Pool
	closePool *ioworker.Pool
}

// manifestLock serialises manifest read-modify-write cycles both between
// goroutines sharing one Store (mu) and between processes (fl). A single
// flock.Flock handle alone does not exclude goroutines: a second Lock on
// an already-locked handle returns immediately.
type manifestLock struct {
	mu sync.Mutex
	fl *flock.Flock
}

func (l *manifestLock) Lock() error {
	l.mu.Lock()
	if err := l.fl.Lock(); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *manifestLock) Unlock() error {
	err := l.fl.Unlock()
	l.mu.Unlock()
	return err
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the Store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithWorkers overrides the size of the staging fan-out pool (C6) and
// the deferred-close pool (C5) used by Add. stageWorkers <= 0 keeps the
// default; closeWorkers <= 0 keeps the default.
func WithWorkers(stageWorkers, closeWorkers int) Option {
	return func(s *Store) {
		if stageWorkers > 0 {
			s.stagePool = workpool.New(stageWorkers)
		}
		if closeWorkers > 0 {
			s.closePool = ioworker.Start(closeWorkers)
		}
	}
}

// Open creates (if necessary) and returns a Store rooted at root, bounded
// to maxBytes total on-disk size after every successful insert. A
// maxBytes <= 0 disables eviction.
func Open(root string, maxBytes int64, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating root %s: %w", root, err)
	}
	manifestPath := filepath.Join(root, "manifest")
	s := &Store{
		root:         root,
		maxBytes:     maxBytes,
		manifestPath: manifestPath,
		lock:         &manifestLock{fl: flock.New(manifestPath + ".lock")},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stagePool == nil {
		s.stagePool = workpool.New(defaultStageWorkers)
	}
	if s.closePool == nil {
		s.closePool = ioworker.Start(defaultCloseWorkers)
	}
	return s, nil
}

// Close stops the staging and close pools, waiting for any in-flight
// work to finish. Safe to call on a Store that was never used for an
// insert.
func (s *Store) Close() error {
	err := s.stagePool.Close()
	s.closePool.Stop()
	return err
}

func (s *Store) bucketDir(fp digest.Fingerprint) string {
	hexKey := fp.String()
	return filepath.Join(s.root, hexKey[:2])
}

func (s *Store) entryDir(fp digest.Fingerprint) string {
	hexKey := fp.String()
	return filepath.Join(s.bucketDir(fp), hexKey[2:])
}

// Lookup opens the manifest for fp and returns the decoded Entry
// together with the directory holding its artifact files. An absent
// manifest is reported as bcerrors.ErrCacheMiss; a corrupt one is logged
// as a warning and reported as *bcerrors.CacheCorruption, which
// bcerrors.IsMiss treats as a miss — it must never surface as a hard
// error.
func (s *Store) Lookup(fp digest.Fingerprint) (entry.Entry, string, error) {
	dir := s.entryDir(fp)
	manifestFile := filepath.Join(dir, EntryFileSuffix)

	data, err := os.ReadFile(manifestFile)
	if err != nil {
		return entry.Entry{}, "", bcerrors.ErrCacheMiss
	}

	e, err := entry.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", fp.String()).Msg("corrupt cache entry, treating as miss")
		return entry.Entry{}, "", &bcerrors.CacheCorruption{Key: fp.String(), Err: err}
	}

	return e, dir, nil
}

// FileMapEntry describes one artifact to be stored: the source path on
// the local filesystem and whether the producing tool is known never to
// rewrite it in place (enabling a hardlink instead of a copy).
type FileMapEntry struct {
	SourcePath string
	NoRewrite  bool
}

// Add inserts a new entry for fp, following the five-step protocol from
// spec §4.3: stage into a uniquely-named temp directory, populate
// artifacts and manifest, then atomically rename into place. If another
// process already won the race, the temp directory is discarded and the
// existing entry stands.
func (s *Store) Add(fp digest.Fingerprint, e entry.Entry, fileMap map[string]FileMapEntry, allowHardlink bool) error {
	bucket := s.bucketDir(fp)
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return fmt.Errorf("localstore: creating bucket %s: %w", bucket, err)
	}

	tmpDir, err := os.MkdirTemp(bucket, fp.String()[2:]+".tmp-")
	if err != nil {
		return fmt.Errorf("localstore: creating temp dir: %w", err)
	}
	// If we return early (race loss, or an error), remove the temp tree;
	// once renamed into place this is a no-op (nothing left to remove).
	defer os.RemoveAll(tmpDir)

	// Every file ID must resolve up front, before any staging work is
	// fanned out: a missing source path is a caller bug, not something
	// to discover mid-fan-out after other files have already been
	// staged.
	for _, id := range e.FileIDs {
		if _, ok := fileMap[id]; !ok {
			return fmt.Errorf("localstore: no source path for file id %q", id)
		}
	}

	// Staging is fanned out across s.stagePool's workers, but completion
	// is tracked with a WaitGroup local to this call: the pool is shared
	// across every concurrent Add, and its own pending counter/lastErr
	// would mix this call's outcome with unrelated inserts running at
	// the same time.
	var wg sync.WaitGroup
	errs := make(chan error, len(e.FileIDs))
	for _, id := range e.FileIDs {
		id, fm := id, fileMap[id]
		dest := filepath.Join(tmpDir, id)

		wg.Add(1)
		s.stagePool.Enqueue(func() error {
			defer wg.Done()

			var err error
			if e.CompressionMode == entry.CompressionAll {
				if err = materialize.CompressInto(fm.SourcePath, dest, s.closePool); err != nil {
					err = fmt.Errorf("localstore: compressing %s: %w", id, err)
				}
			} else {
				opts := materialize.Options{
					AllowHardlink: allowHardlink && fm.NoRewrite,
					ClosePool:     s.closePool,
				}
				if err = materialize.Materialize(fm.SourcePath, dest, opts); err != nil {
					err = fmt.Errorf("localstore: staging %s: %w", id, err)
				}
			}
			if err != nil {
				errs <- err
			}
			return err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	manifestData := entry.Encode(e)
	if err := os.WriteFile(filepath.Join(tmpDir, EntryFileSuffix), manifestData, 0o644); err != nil {
		return fmt.Errorf("localstore: writing staged manifest: %w", err)
	}

	finalDir := s.entryDir(fp)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if _, statErr := os.Stat(finalDir); statErr == nil {
			// Another producer won the race; its contents stand, and our
			// temp tree is discarded by the deferred cleanup above.
			return s.recordManifestUpdate(fp, dirSize(finalDir))
		}
		return fmt.Errorf("localstore: renaming entry into place: %w", err)
	}

	return s.recordManifestUpdate(fp, dirSize(finalDir))
}

// recordManifestUpdate updates the global manifest with the entry's
// current size and access time, evicting if the cap is now exceeded.
// Locking is scoped to this read-modify-write only; artifact I/O never
// happens while the manifest lock is held.
func (s *Store) recordManifestUpdate(fp digest.Fingerprint, size int64) error {
	if err := s.withManifestLock(func(records []record) ([]record, error) {
		return upsertRecord(records, fp.String(), size, nextAccessMs(records)), nil
	}); err != nil {
		return err
	}
	return s.evictIfNeeded()
}

// GetFile materialises one artifact for fp to targetPath.
func (s *Store) GetFile(fp digest.Fingerprint, fileID, targetPath string, decompress bool, allowHardlink, createDirs bool) error {
	dir := s.entryDir(fp)
	source := filepath.Join(dir, fileID)
	return materialize.Materialize(source, targetPath, materialize.Options{
		AllowHardlink: allowHardlink,
		CreateDirs:    createDirs,
		Compressed:    decompress,
		ClosePool:     s.closePool,
	})
}

// Touch updates the access time recorded for fp, used on every cache
// hit so EvictTo's LRU ordering reflects real usage.
func (s *Store) Touch(fp digest.Fingerprint) error {
	return s.withManifestLock(func(records []record) ([]record, error) {
		hexKey := fp.String()
		for i := range records {
			if records[i].HexKey == hexKey {
				records[i].LastAccessMs = nextAccessMs(records)
				return records, nil
			}
		}
		// Touching an entry this manifest doesn't know about (e.g. one
		// materialised straight from the remote store) is a no-op.
		return records, nil
	})
}

// EvictTo removes entries in ascending access-time order until the
// total on-disk size is <= maxBytes. A freshly touched entry is never
// the next evicted, since Touch advances its recorded access time.
func (s *Store) EvictTo(maxBytes int64) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("localstore: acquiring manifest lock: %w", err)
	}
	defer s.lock.Unlock()

	records, err := readManifestFile(s.manifestPath)
	if err != nil {
		return err
	}

	total := totalSize(records)
	sort.Slice(records, func(i, j int) bool { return records[i].LastAccessMs < records[j].LastAccessMs })

	kept := make([]record, 0, len(records))
	for _, r := range records {
		if total <= maxBytes {
			kept = append(kept, r)
			continue
		}
		if err := s.removeEntryDir(r.HexKey); err != nil {
			s.logger.Warn().Err(err).Str("key", r.HexKey).Msg("eviction failed to remove entry directory")
			kept = append(kept, r)
			continue
		}
		total -= r.SizeBytes
	}

	return writeManifestFile(s.manifestPath, kept)
}

func (s *Store) evictIfNeeded() error {
	if s.maxBytes <= 0 {
		return nil
	}
	records, err := readManifestFile(s.manifestPath)
	if err != nil {
		return err
	}
	if totalSize(records) <= s.maxBytes {
		return nil
	}
	return s.EvictTo(s.maxBytes)
}

// removeEntryDir atomically removes one entry's directory. It is called
// with the manifest lock held (EvictTo acquires the lock once for the
// whole pass, which is acceptable because directory removal doesn't
// block on other processes' artifact I/O the way a per-file copy would).
func (s *Store) removeEntryDir(hexKey string) error {
	if err := validateHexKey(hexKey); err != nil {
		return err
	}
	dir := filepath.Join(s.root, hexKey[:2], hexKey[2:])
	tmp := dir + fmt.Sprintf(".deleting-%d", rand.Int63())
	if err := os.Rename(dir, tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(tmp)
}

// Clear removes every entry and resets the manifest.
func (s *Store) Clear() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("localstore: acquiring manifest lock: %w", err)
	}
	defer s.lock.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("localstore: reading root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("localstore: clearing bucket %s: %w", e.Name(), err)
		}
	}
	return writeManifestFile(s.manifestPath, nil)
}

// Stats reports the entry count and total on-disk size currently
// tracked by the global manifest (recovered from local_cache_t::
// show_stats/zero_stats).
type Stats struct {
	EntryCount int
	TotalBytes int64
}

func (s *Store) Stats() (Stats, error) {
	records, err := readManifestFile(s.manifestPath)
	if err != nil {
		return Stats{}, err
	}
	return Stats{EntryCount: len(records), TotalBytes: totalSize(records)}, nil
}

func (s *Store) withManifestLock(mutate func([]record) ([]record, error)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("localstore: acquiring manifest lock: %w", err)
	}
	defer s.lock.Unlock()

	records, err := readManifestFile(s.manifestPath)
	if err != nil {
		return err
	}
	updated, err := mutate(records)
	if err != nil {
		return err
	}
	return writeManifestFile(s.manifestPath, updated)
}

func upsertRecord(records []record, hexKey string, size, accessMs int64) []record {
	for i := range records {
		if records[i].HexKey == hexKey {
			records[i].SizeBytes = size
			records[i].LastAccessMs = accessMs
			return records
		}
	}
	return append(records, record{HexKey: hexKey, SizeBytes: size, LastAccessMs: accessMs})
}

func totalSize(records []record) int64 {
	var total int64
	for _, r := range records {
		total += r.SizeBytes
	}
	return total
}

func dirSize(dir string) int64 {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// nextAccessMs returns the current time in milliseconds, advanced past
// every access time already in records, so the entry being stamped sorts
// strictly after all others even when they share one millisecond.
func nextAccessMs(records []record) int64 {
	ts := nowMillis()
	for _, r := range records {
		if r.LastAccessMs >= ts {
			ts = r.LastAccessMs + 1
		}
	}
	return ts
}
