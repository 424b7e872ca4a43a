package ioworker

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCloser struct {
	closed int32
}

func (f *fakeCloser) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func TestEnqueueCloseOnActivePool(t *testing.T) {
	p := Start(2)
	defer p.Stop()

	fc := &fakeCloser{}
	p.EnqueueClose(Closer{File: fc})

	p.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&fc.closed))
}

func TestSyncCalledBeforeClose(t *testing.T) {
	p := Start(1)
	defer p.Stop()

	var syncedBeforeClose bool
	fc := &fakeCloser{}
	p.EnqueueClose(Closer{
		File: fc,
		Sync: func() error {
			syncedBeforeClose = atomic.LoadInt32(&fc.closed) == 0
			return nil
		},
	})

	p.Stop()
	assert.True(t, syncedBeforeClose)
}

func TestUnstartedPoolClosesSynchronously(t *testing.T) {
	var p *Pool // never started
	fc := &fakeCloser{}
	p.EnqueueClose(Closer{File: fc})

	assert.EqualValues(t, 1, atomic.LoadInt32(&fc.closed))
}

func TestDrainsQueueOnStop(t *testing.T) {
	p := Start(1)

	dir := t.TempDir()
	var fh *os.File
	for i := 0; i < 5; i++ {
		var err error
		fh, err = os.CreateTemp(dir, "iow-*")
		require.NoError(t, err)
		p.EnqueueClose(Closer{File: fh})
	}

	p.Stop()
	// All handles were closed by the time Stop returned.
	_ = fh
}
