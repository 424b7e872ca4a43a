// Package cacheprogserver adapts internal/localstore and
// internal/remotestore into a internal/cacheproto.Handler, letting
// corecache itself be pointed to by GOCACHEPROG as the server half of
// the protocol the teacher's Proc spoke as a client (spec §4.6's
// "cacheprog mode").
//
// GOCACHEPROG's ActionID is an opaque, already-computed key — there is
// no argv/source to fingerprint here, so the pipeline in internal/driver
// plays no role. A Handler simply maps ActionID to the local store's key
// space and stores/retrieves a single "output" artifact.
package cacheprogserver

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/localstore"
	"github.com/buildcache/corecache/internal/remotestore"
)

const outputFileID = "output"

// Handler implements internal/cacheproto.Handler over a local store and
// an optional remote store, mirroring the driver's local-then-remote
// probe order on Get and write-through-to-both order on Put.
type Handler struct {
	local    *localstore.Store
	remote   *remotestore.Store
	spillDir string
	logger   zerolog.Logger
}

// New returns a Handler storing materialised hit files under spillDir
// (a scratch directory distinct from the store's content-addressed
// tree, since GOCACHEPROG callers read DiskPath directly and must never
// be handed a path inside the store that eviction could remove from
// under them).
func New(local *localstore.Store, remote *remotestore.Store, spillDir string, logger zerolog.Logger) *Handler {
	return &Handler{local: local, remote: remote, spillDir: spillDir, logger: logger}
}

func keyFor(actionID []byte) digest.Fingerprint {
	d := digest.New()
	d.Update(actionID)
	return d.Finalize()
}

// Get materialises the cached output for actionID to a fresh path under
// spillDir and reports its content hash as OutputID, per the protocol.
func (h *Handler) Get(actionID []byte) (outputID []byte, diskPath string, size int64, putTime *time.Time, miss bool, err error) {
	fp := keyFor(actionID)
	ctx := context.Background()

	target := filepath.Join(h.spillDir, fp.String())

	if e, _, lookupErr := h.local.Lookup(fp); lookupErr == nil {
		if getErr := h.local.GetFile(fp, outputFileID, target, e.CompressionMode == entry.CompressionAll, false, true); getErr == nil {
			_ = h.local.Touch(fp)
			return finishGet(target)
		}
	}

	if h.remote.IsConnected() {
		if e, lookupErr := h.remote.Lookup(ctx, fp); lookupErr == nil {
			if getErr := h.remote.GetFile(ctx, fp, outputFileID, target, e.CompressionMode == entry.CompressionAll); getErr == nil {
				return finishGet(target)
			}
		}
	}

	return nil, "", 0, nil, true, nil
}

func finishGet(path string) (outputID []byte, diskPath string, size int64, putTime *time.Time, miss bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return nil, "", 0, nil, true, nil
	}
	sum, sumErr := sha256File(path)
	if sumErr != nil {
		return nil, "", 0, nil, false, sumErr
	}
	now := time.Now()
	return sum, path, info.Size(), &now, false, nil
}

// Put stores body under actionID and returns the path the GOCACHEPROG
// caller can read the content back from. outputID is not recorded; Get
// reports the content's SHA-256 as the OutputID instead.
func (h *Handler) Put(actionID, outputID []byte, body io.Reader, bodySize int64) (diskPath string, err error) {
	fp := keyFor(actionID)

	if err := os.MkdirAll(h.spillDir, 0o755); err != nil {
		return "", fmt.Errorf("cacheprogserver: creating spill dir: %w", err)
	}
	staged := filepath.Join(h.spillDir, fp.String()+".incoming")
	f, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("cacheprogserver: staging artifact: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(staged)
		return "", fmt.Errorf("cacheprogserver: writing artifact: %w", err)
	}
	f.Close()

	e := entry.Entry{FileIDs: []string{outputFileID}, ExitCode: 0}
	fileMap := map[string]localstore.FileMapEntry{outputFileID: {SourcePath: staged}}
	if err := h.local.Add(fp, e, fileMap, false); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("cacheprogserver: inserting into local store: %w", err)
	}
	os.Remove(staged)

	final := filepath.Join(h.spillDir, fp.String())
	if err := h.local.GetFile(fp, outputFileID, final, false, false, true); err != nil {
		return "", fmt.Errorf("cacheprogserver: materialising put result: %w", err)
	}

	if h.remote.IsConnected() {
		h.remote.Add(context.Background(), fp, e, map[string]string{outputFileID: final})
	}

	return final, nil
}

// Close is a no-op: the local/remote stores have no per-session state
// to tear down, unlike the teacher's subprocess Proc.Close.
func (h *Handler) Close() error {
	return nil
}

func sha256File(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
