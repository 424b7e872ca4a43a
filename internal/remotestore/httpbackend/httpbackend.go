// Package httpbackend implements remotestore.Backend over a synchronous
// HTTP request/response transport (spec §4.4: "one synchronous
// request/response implementation is expected"), with optional
// HMAC-SHA1 request signing grounded on
// original_source/src/base/hmac.cpp (used there for authenticated S3
// and Redis transports).
package httpbackend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/remotestore"
)

func init() {
	remotestore.RegisterBackend("http", func() remotestore.Backend { return New() })
	remotestore.RegisterBackend("https", func() remotestore.Backend {
		b := New()
		b.scheme = "https"
		return b
	})
}

// Backend is a synchronous request/response remote cache client. Every
// object is a PUT/GET against <baseURL>/<key>.
type Backend struct {
	client  *http.Client
	scheme  string
	baseURL string
	// SecretKey, when non-empty, enables HMAC-SHA1 request signing via
	// an "X-Buildcache-Signature" header.
	SecretKey []byte
}

// New returns an unconnected plain-HTTP Backend with a default client
// timeout. The "https" registration switches the scheme to HTTPS.
func New() *Backend {
	return &Backend{client: &http.Client{Timeout: 30 * time.Second}, scheme: "http"}
}

// Connect records baseURL, rebuilt from the backend's scheme and
// hostDescription (the address with its "scheme://" prefix already
// stripped by remotestore.Store.Connect), as the root of the object
// namespace.
func (b *Backend) Connect(ctx context.Context, hostDescription string) error {
	u, err := url.Parse(b.scheme + "://" + hostDescription)
	if err != nil {
		return fmt.Errorf("httpbackend: invalid host description %q: %w", hostDescription, err)
	}
	b.baseURL = u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		// Connectivity is checked lazily: some remotes have no health
		// endpoint. Treat a failed probe as non-fatal here; real errors
		// surface on the first Lookup/Add instead.
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

func (b *Backend) objectURL(key string) string {
	return b.baseURL + "/" + key
}

func (b *Backend) sign(req *http.Request, body []byte) {
	if len(b.SecretKey) == 0 {
		return
	}
	mac := hmac.New(sha1.New, b.SecretKey)
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.Path))
	mac.Write(body)
	req.Header.Set("X-Buildcache-Signature", hex.EncodeToString(mac.Sum(nil)))
}

func (b *Backend) get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	b.sign(req, nil)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: GET %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, remotestore.ErrMiss
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpbackend: GET %s: unexpected status %d", key, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Backend) put(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	b.sign(req, data)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpbackend: PUT %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("httpbackend: PUT %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

func (b *Backend) Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error) {
	data, err := b.get(ctx, remotestore.KeyFor(fp, remotestore.ManifestSuffix))
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
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("httpbackend: reading %s: %w", path, err)
		}
		if e.CompressionMode == entry.CompressionAll {
			data, err = compressBytes(data)
			if err != nil {
				return fmt.Errorf("httpbackend: compressing %s: %w", path, err)
			}
		}
		if err := b.put(ctx, remotestore.KeyFor(fp, id), data); err != nil {
			return err
		}
	}

	// Manifest last, so a client that observes it is guaranteed the
	// artifacts are present (spec §4.4).
	return b.put(ctx, remotestore.KeyFor(fp, remotestore.ManifestSuffix), entry.Encode(e))
}

func (b *Backend) GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error {
	data, err := b.get(ctx, remotestore.KeyFor(fp, fileID))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}

	if !decompress {
		return os.WriteFile(targetPath, data, 0o644)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return os.WriteFile(targetPath, out, 0o644)
}

func (b *Backend) Disconnect() error {
	return nil
}

// compressBytes zstd-compresses data, used by Add whenever the inserted
// entry's CompressionMode is CompressionAll so that GetFile's
// decompression of such an entry on a later hit succeeds.
func compressBytes(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
