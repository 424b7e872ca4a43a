package cacheprogbackend

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/remotestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConnectTimesOutOnBadHandshake(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), `sh -c 'sleep 10'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestConnectRejectsEmptyCapabilities(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), `sh -c 'echo "{\"ID\":0}"; sleep 1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported commands")
}

func newConnectedBackend(t *testing.T) *Backend {
	t.Helper()
	b := New()
	require.NoError(t, b.Connect(context.Background(), "go run ./testdata/fakecacheprog.go"))
	t.Cleanup(func() { _ = b.Disconnect() })
	return b
}

func TestAddThenLookupRoundTrips(t *testing.T) {
	b := newConnectedBackend(t)
	ctx := context.Background()

	dir := t.TempDir()
	objPath := dir + "/obj.o"
	require.NoError(t, os.WriteFile(objPath, []byte("object file contents"), 0o644))

	fp := digest.Fingerprint{1, 2, 3}
	e := entry.Entry{FileIDs: []string{"object"}, ExitCode: 0}

	require.NoError(t, b.Add(ctx, fp, e, map[string]string{"object": objPath}))

	got, err := b.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, e.FileIDs, got.FileIDs)
	assert.Equal(t, int32(0), got.ExitCode)
}

func TestLookupMissReturnsErrMiss(t *testing.T) {
	b := newConnectedBackend(t)

	fp := digest.Fingerprint{9, 9, 9}
	_, err := b.Lookup(context.Background(), fp)
	assert.ErrorIs(t, err, remotestore.ErrMiss)
}

func TestAddCompressesWhenCompressionAllThenGetFileDecompresses(t *testing.T) {
	b := newConnectedBackend(t)
	ctx := context.Background()

	dir := t.TempDir()
	srcPath := dir + "/artifact.bin"
	content := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	fp := digest.Fingerprint{7, 8, 9}
	e := entry.Entry{FileIDs: []string{"object"}, CompressionMode: entry.CompressionAll}
	require.NoError(t, b.Add(ctx, fp, e, map[string]string{"object": srcPath}))

	targetPath := dir + "/restored.bin"
	require.NoError(t, b.GetFile(ctx, fp, "object", targetPath, true))

	data, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestGetFileWritesTargetPath(t *testing.T) {
	b := newConnectedBackend(t)
	ctx := context.Background()

	dir := t.TempDir()
	srcPath := dir + "/artifact.bin"
	require.NoError(t, os.WriteFile(srcPath, []byte("artifact payload"), 0o644))

	fp := digest.Fingerprint{4, 5, 6}
	e := entry.Entry{FileIDs: []string{"object"}}
	require.NoError(t, b.Add(ctx, fp, e, map[string]string{"object": srcPath}))

	targetPath := dir + "/restored.bin"
	require.NoError(t, b.GetFile(ctx, fp, "object", targetPath, false))

	data, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, "artifact payload", string(data))
}
