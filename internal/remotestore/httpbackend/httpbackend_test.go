package httpbackend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/remotestore"
)

// memObjectStore is a minimal in-memory stand-in for the object store a
// real httpbackend talks to, just enough to exercise Add/GetFile/Lookup
// over the wire.
func newMemObjectStoreServer() *httptest.Server {
	var mu sync.Mutex
	objects := map[string][]byte{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[1:]
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			data, ok := objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			objects[key] = data
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return httptest.NewServer(mux)
}

func newConnectedBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()
	b := New()
	hostDescription := srv.URL[len("http://"):]
	require.NoError(t, b.Connect(context.Background(), hostDescription))
	return b
}

func fingerprintFor(s string) digest.Fingerprint {
	d := digest.New()
	d.UpdateString(s)
	return d.Finalize()
}

func TestAddCompressesWhenCompressionAllThenGetFileDecompresses(t *testing.T) {
	srv := newMemObjectStoreServer()
	defer srv.Close()
	b := newConnectedBackend(t, srv)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.o")
	content := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	fp := fingerprintFor("cc -c a.c -o a.o")
	e := entry.Entry{FileIDs: []string{"object"}, CompressionMode: entry.CompressionAll}

	require.NoError(t, b.Add(context.Background(), fp, e, map[string]string{"object": srcPath}))

	got, err := b.Lookup(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, entry.CompressionAll, got.CompressionMode)

	targetPath := filepath.Join(dir, "out.o")
	require.NoError(t, b.GetFile(context.Background(), fp, "object", targetPath, true))

	out, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestAddStoresRawBytesWhenCompressionNone(t *testing.T) {
	srv := newMemObjectStoreServer()
	defer srv.Close()
	b := newConnectedBackend(t, srv)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.o")
	content := []byte("not compressed")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	fp := fingerprintFor("cc -c a.c -o a.o (none)")
	e := entry.Entry{FileIDs: []string{"object"}, CompressionMode: entry.CompressionNone}
	require.NoError(t, b.Add(context.Background(), fp, e, map[string]string{"object": srcPath}))

	raw, err := b.get(context.Background(), remotestore.KeyFor(fp, "object"))
	require.NoError(t, err)
	assert.Equal(t, content, raw)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	_, err = dec.DecodeAll(raw, nil)
	assert.Error(t, err, "uncompressed payload must not decode as zstd")
}

func TestGetFileMissReturnsErrMiss(t *testing.T) {
	srv := newMemObjectStoreServer()
	defer srv.Close()
	b := newConnectedBackend(t, srv)

	fp := fingerprintFor("never inserted")
	err := b.GetFile(context.Background(), fp, "object", filepath.Join(t.TempDir(), "out.o"), false)
	assert.ErrorIs(t, err, remotestore.ErrMiss)
}
