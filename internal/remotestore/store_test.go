package remotestore

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/buildcache/corecache/internal/bcerrors"
	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	connectErr error
	entries    map[string]entry.Entry
	failLookup error
	connected  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string]entry.Entry{}}
}

func (f *fakeBackend) Connect(ctx context.Context, hostDescription string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBackend) Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error) {
	if f.failLookup != nil {
		return entry.Entry{}, f.failLookup
	}
	e, ok := f.entries[fp.String()]
	if !ok {
		return entry.Entry{}, ErrMiss
	}
	return e, nil
}

func (f *fakeBackend) Add(ctx context.Context, fp digest.Fingerprint, e entry.Entry, fileMap map[string]string) error {
	f.entries[fp.String()] = e
	return nil
}

func (f *fakeBackend) GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error {
	return nil
}

func (f *fakeBackend) Disconnect() error {
	f.connected = false
	return nil
}

func fp(s string) digest.Fingerprint {
	d := digest.New()
	d.UpdateString(s)
	return d.Finalize()
}

func TestStoreConnectAndLookupHit(t *testing.T) {
	fb := newFakeBackend()
	RegisterBackend("faketest", func() Backend { return fb })

	s := New(zerolog.Nop())
	require.NoError(t, s.Connect(context.Background(), "faketest://example"))

	key := fp("hit")
	fb.entries[key.String()] = entry.Entry{ExitCode: 0}

	got, err := s.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.ExitCode)
}

func TestStoreLookupMissIsSilent(t *testing.T) {
	fb := newFakeBackend()
	RegisterBackend("faketest2", func() Backend { return fb })

	s := New(zerolog.Nop())
	require.NoError(t, s.Connect(context.Background(), "faketest2://example"))

	_, err := s.Lookup(context.Background(), fp("absent"))
	assert.Error(t, err)
}

func TestStoreUnconnectedAlwaysMisses(t *testing.T) {
	s := New(zerolog.Nop())
	_, err := s.Lookup(context.Background(), fp("anything"))
	assert.Error(t, err)
	assert.False(t, s.IsConnected())
}

func TestStoreTransientLookupFailureDropsConnection(t *testing.T) {
	fb := newFakeBackend()
	fb.failLookup = errors.New("network blip")
	RegisterBackend("faketest3", func() Backend { return fb })

	s := New(zerolog.Nop())
	require.NoError(t, s.Connect(context.Background(), "faketest3://example"))

	_, err := s.Lookup(context.Background(), fp("whatever"))
	assert.Error(t, err)
	assert.False(t, s.IsConnected(), "transient failure must drop the connection")
}

func TestUnsupportedProtocolIsConfigError(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Connect(context.Background(), "nope://example")
	var cfgErr *bcerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMisconfiguredRemoteBehavesLikeNoRemote(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Connect(context.Background(), "nope://example")
	assert.Error(t, err) // reported once at connect time

	// Subsequent operations behave exactly as if no remote was
	// configured at all — no panics, no special-cased errors.
	_, lookupErr := s.Lookup(context.Background(), fp("x"))
	assert.Error(t, lookupErr)
	assert.False(t, s.IsConnected())
}
