package cacheproto

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHandler struct {
	mu    sync.Mutex
	meta  map[string][]byte // actionID (string) -> outputID
	blobs map[string][]byte // outputID (string) -> content
}

func newMemHandler() *memHandler {
	return &memHandler{meta: map[string][]byte{}, blobs: map[string][]byte{}}
}

func (h *memHandler) Get(actionID []byte) ([]byte, string, int64, *time.Time, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	outputID, ok := h.meta[string(actionID)]
	if !ok {
		return nil, "", 0, nil, true, nil
	}
	blob := h.blobs[string(outputID)]
	now := time.Now()
	return outputID, "/tmp/fakepath", int64(len(blob)), &now, false, nil
}

func (h *memHandler) Put(actionID, outputID []byte, body io.Reader, bodySize int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.meta[string(actionID)] = outputID
	h.blobs[string(outputID)] = data
	h.mu.Unlock()
	return "/tmp/fakepath", nil
}

func (h *memHandler) Close() error { return nil }

func TestServerHandshakeThenGetMiss(t *testing.T) {
	in, out := io.Pipe()
	respBuf := &bytes.Buffer{}
	var respMu sync.Mutex
	srv := NewServer(in, lockedWriter{w: respBuf, mu: &respMu}, newMemHandler())

	go srv.Serve()

	go func() {
		_, _ = out.Write([]byte(`{"ID":1,"Command":"get","ActionID":"YWN0aW9uaWQ="}` + "\n"))
		_, _ = out.Write([]byte(`{"ID":2,"Command":"close"}` + "\n"))
		_ = out.Close()
	}()

	time.Sleep(50 * time.Millisecond)
	respMu.Lock()
	output := respBuf.String()
	respMu.Unlock()

	assert.Contains(t, output, `"KnownCommands"`)
	assert.Contains(t, output, `"ID":1`)
	assert.Contains(t, output, `"Miss":true`)
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestHandshakeAdvertisesAllCommands(t *testing.T) {
	h := Handshake()
	require.Len(t, h.KnownCommands, 3)
	assert.Contains(t, h.KnownCommands, CmdGet)
	assert.Contains(t, h.KnownCommands, CmdPut)
	assert.Contains(t, h.KnownCommands, CmdClose)
}
