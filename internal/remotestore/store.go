package remotestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/buildcache/corecache/internal/bcerrors"
	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
)

// Factory constructs a fresh, unconnected Backend for a given protocol
// scheme (e.g. "redis", "http", "https"). Registered factories let
// Store dispatch to the appropriate provider without a compile-time
// dependency on every backend package, mirroring remote_cache_t's
// protocol-prefix dispatch in original_source.
type Factory func() Backend

var factories = map[string]Factory{}

// RegisterBackend makes a backend constructor available under scheme.
// Backend packages call this from an init function.
func RegisterBackend(scheme string, f Factory) {
	factories[scheme] = f
}

// Store is the orchestrating remote cache object (spec §4.4): it owns at
// most one Backend connection at a time and downgrades every operation
// to a miss on transient failure, never failing the overall invocation.
type Store struct {
	backend Backend
	logger  zerolog.Logger
}

// New returns a disconnected Store.
func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

// Connect parses address as "scheme://host_description" and connects
// the matching backend. An unrecognized scheme or malformed address is
// a ConfigError (fatal, reported once at connect time).
func (s *Store) Connect(ctx context.Context, address string) error {
	if s.IsConnected() {
		return nil
	}
	if address == "" {
		return nil
	}

	scheme, hostDescription, err := splitAddress(address)
	if err != nil {
		return &bcerrors.ConfigError{Reason: "invalid remote address", Err: err}
	}

	factory, ok := factories[scheme]
	if !ok {
		return &bcerrors.ConfigError{Reason: fmt.Sprintf("unsupported remote protocol %q", scheme)}
	}

	backend := factory()
	if err := backend.Connect(ctx, hostDescription); err != nil {
		return &bcerrors.ConfigError{Reason: "failed to connect to remote cache", Err: err}
	}

	s.backend = backend
	return nil
}

// IsConnected reports whether Store currently holds a live backend.
func (s *Store) IsConnected() bool {
	return s.backend != nil
}

// Lookup fetches the manifest for fp. A miss returns ErrCacheMiss; a
// transient failure is logged, drops the connection and returns a
// *bcerrors.RemoteTransient. bcerrors.IsMiss treats both as a miss.
func (s *Store) Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error) {
	if !s.IsConnected() {
		return entry.Entry{}, bcerrors.ErrCacheMiss
	}

	e, err := s.backend.Lookup(ctx, fp)
	if err == nil {
		return e, nil
	}
	if err == ErrMiss {
		return entry.Entry{}, bcerrors.ErrCacheMiss
	}

	s.logger.Warn().Err(err).Str("key", fp.String()).Msg("remote cache lookup failed, dropping connection")
	s.dropConnection()
	return entry.Entry{}, &bcerrors.RemoteTransient{Op: "lookup", Err: err}
}

// Add stores e and its artifacts for fp. Failures are logged and
// swallowed (spec §4.4: never fails the overall invocation).
func (s *Store) Add(ctx context.Context, fp digest.Fingerprint, e entry.Entry, fileMap map[string]string) {
	if !s.IsConnected() {
		return
	}
	if err := s.backend.Add(ctx, fp, e, fileMap); err != nil {
		s.logger.Warn().Err(err).Str("key", fp.String()).Msg("remote cache insert failed")
	}
}

// GetFile materialises one artifact to targetPath.
func (s *Store) GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error {
	if !s.IsConnected() {
		return bcerrors.ErrCacheMiss
	}
	if err := s.backend.GetFile(ctx, fp, fileID, targetPath, decompress); err != nil {
		s.logger.Warn().Err(err).Str("key", fp.String()).Str("file_id", fileID).Msg("remote cache file fetch failed")
		s.dropConnection()
		return &bcerrors.RemoteTransient{Op: "get_file", Err: err}
	}
	return nil
}

// Disconnect releases the held backend, if any.
func (s *Store) Disconnect() error {
	if !s.IsConnected() {
		return nil
	}
	err := s.backend.Disconnect()
	s.backend = nil
	return err
}

func (s *Store) dropConnection() {
	if s.backend != nil {
		_ = s.backend.Disconnect()
	}
	s.backend = nil
}

func splitAddress(address string) (scheme, hostDescription string, err error) {
	const sep = "://"
	idx := strings.Index(address, sep)
	if idx < 0 {
		return "", "", fmt.Errorf("remotestore: address %q missing %q separator", address, sep)
	}
	return address[:idx], address[idx+len(sep):], nil
}
