// Package remotestore implements the remote store protocol (spec §4.4,
// C4): a pluggable key/value backend with optional compression,
// grounded on original_source/src/cache/remote_cache.{hpp,cpp} and
// remote_cache_provider.hpp.
package remotestore

import (
	"context"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
)

// KeyFor builds the namespaced remote key for one File ID or the
// manifest, matching spec §6's remote key scheme:
// buildcache_<32-hex-digits>_<file_id_or_.entry>.
func KeyFor(fp digest.Fingerprint, fileIDOrManifest string) string {
	return "buildcache_" + fp.String() + "_" + fileIDOrManifest
}

// ManifestSuffix is the pseudo File ID used for the serialised entry
// itself within the remote key namespace.
const ManifestSuffix = ".entry"

// Backend is the pluggable key/value interface consumed by Store. A
// client that observes the manifest is guaranteed the artifacts are
// present: the manifest is stored first on lookup and last on insert.
type Backend interface {
	// Connect establishes the connection to endpoint. A failure here is
	// fatal (misconfiguration), reported once at connect time.
	Connect(ctx context.Context, endpoint string) error

	// Lookup fetches the manifest for fp. Returning ErrMiss means the
	// key is absent; any other error is treated as transient.
	Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error)

	// Add stores entry e and its artifacts for fp. fileMap maps each
	// File ID to the local path of the already-produced artifact.
	Add(ctx context.Context, fp digest.Fingerprint, e entry.Entry, fileMap map[string]string) error

	// GetFile materialises one artifact to targetPath.
	GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error

	// Disconnect releases any held connection.
	Disconnect() error
}
