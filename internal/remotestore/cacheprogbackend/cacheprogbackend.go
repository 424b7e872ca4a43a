// Package cacheprogbackend implements remotestore.Backend by spawning
// and speaking to an external GOCACHEPROG-compatible process over
// JSON-framed stdin/stdout, instead of a network protocol. This lets any
// existing GOCACHEPROG server (including the ones `go build` itself
// drives) double as a remote cache for corecache.
//
// Directly adapted from this repository's own ancestor,
// github.com/breezewish/go-cacheprogw's Proc type: the handshake,
// read loop, and in-flight request bookkeeping are the same shape, with
// ActionID/OutputID generalized to corecache's fingerprint+File-ID key
// scheme (remotestore.KeyFor) and the fixed-size action/output hashes
// replaced by that scheme's namespaced byte strings.
package cacheprogbackend

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/go-shellwords"
	"github.com/klauspost/compress/zstd"

	"github.com/buildcache/corecache/internal/cacheproto"
	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/remotestore"
)

func init() {
	remotestore.RegisterBackend("cacheprog", func() remotestore.Backend { return New() })
}

const (
	handshakeTimeout = 5 * time.Second
	responseTimeout  = 30 * time.Second
)

var errClosed = errors.New("cacheprogbackend: process closed")

// Backend drives a child process implementing the server half of
// internal/cacheproto's protocol (spec §4.4's "one ... implementation is
// expected" Backend, satisfied here by reusing a third-party cache
// daemon instead of writing a bespoke transport).
type Backend struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	bw     *bufio.Writer
	jenc   *json.Encoder
	jdec   *json.Decoder
	cancel context.CancelFunc

	can map[cacheproto.Cmd]bool

	closing      atomic.Bool
	readLoopDone chan struct{}
	readLoopErr  error

	mu       sync.Mutex
	nextID   int64
	inFlight map[int64]chan<- *cacheproto.Response

	writeMu sync.Mutex
}

// New returns an unconnected Backend.
func New() *Backend {
	return &Backend{}
}

// Connect spawns hostDescription (a shell-quoted command and its flags,
// e.g. "./remote-cache-daemon --dir /var/cache" for the address
// "cacheprog://./remote-cache-daemon --dir /var/cache") and waits for
// its capability handshake.
func (b *Backend) Connect(ctx context.Context, hostDescription string) error {
	args, err := shellwords.Parse(hostDescription)
	if err != nil {
		return fmt.Errorf("cacheprogbackend: invalid command %q: %w", hostDescription, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("cacheprogbackend: empty command")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("cacheprogbackend: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("cacheprogbackend: stdin pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		_ = stdin.Close()
		_ = stdout.Close()
		return cmd.Process.Kill()
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("cacheprogbackend: starting %q: %w", args[0], err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.bw = bufio.NewWriter(stdin)
	b.jenc = json.NewEncoder(b.bw)
	b.jdec = json.NewDecoder(stdout)
	b.cancel = cancel

	if err := b.handshake(); err != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("cacheprogbackend: handshake with %q: %w", args[0], err)
	}

	b.inFlight = make(map[int64]chan<- *cacheproto.Response)
	b.readLoopDone = make(chan struct{})
	go b.readLoop()
	return nil
}

func (b *Backend) handshake() error {
	done := make(chan error, 1)
	res := new(cacheproto.Response)
	go func() { done <- b.jdec.Decode(res) }()

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		can := map[cacheproto.Cmd]bool{}
		for _, cmd := range res.KnownCommands {
			can[cmd] = true
		}
		if len(can) == 0 {
			return fmt.Errorf("process declared no supported commands")
		}
		b.can = can
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for handshake")
	}
}

func (b *Backend) readLoop() {
	defer close(b.readLoopDone)
	for {
		res := new(cacheproto.Response)
		if err := b.jdec.Decode(res); err != nil {
			if b.closing.Load() {
				b.mu.Lock()
				for _, ch := range b.inFlight {
					close(ch)
				}
				b.inFlight = nil
				b.mu.Unlock()
				return
			}
			if err == io.EOF {
				b.readLoopErr = errClosed
				return
			}
			b.readLoopErr = fmt.Errorf("decoding response: %w", err)
			return
		}

		b.mu.Lock()
		ch, ok := b.inFlight[res.ID]
		delete(b.inFlight, res.ID)
		b.mu.Unlock()
		if !ok {
			b.readLoopErr = fmt.Errorf("response for unknown request ID %d", res.ID)
			return
		}
		ch <- res
	}
}

func (b *Backend) send(ctx context.Context, req *cacheproto.Request, body io.Reader, bodySize int64) (*cacheproto.Response, error) {
	resc := make(chan *cacheproto.Response, 1)
	if err := b.writeRequest(req, body, bodySize, resc); err != nil {
		return nil, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case res := <-resc:
		if res == nil {
			return nil, errClosed
		}
		if res.Err != "" {
			return nil, errors.New(res.Err)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (b *Backend) writeRequest(req *cacheproto.Request, body io.Reader, bodySize int64, resc chan<- *cacheproto.Response) (err error) {
	b.mu.Lock()
	if b.inFlight == nil {
		b.mu.Unlock()
		return errClosed
	}
	b.nextID++
	req.ID = b.nextID
	b.inFlight[req.ID] = resc
	b.mu.Unlock()

	defer func() {
		if err != nil {
			b.mu.Lock()
			if b.inFlight != nil {
				delete(b.inFlight, req.ID)
			}
			b.mu.Unlock()
		}
	}()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	req.BodySize = bodySize
	if err := b.jenc.Encode(req); err != nil {
		return err
	}
	if err := b.bw.WriteByte('\n'); err != nil {
		return err
	}
	if bodySize > 0 {
		if err := b.bw.WriteByte('"'); err != nil {
			return err
		}
		enc := base64.NewEncoder(base64.StdEncoding, b.bw)
		wrote, err := io.Copy(enc, body)
		if err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if wrote != bodySize {
			return fmt.Errorf("short write: wrote %d, expected %d", wrote, bodySize)
		}
		if _, err := b.bw.WriteString("\"\n"); err != nil {
			return err
		}
	}
	return b.bw.Flush()
}

// Lookup asks the child process for the manifest keyed by fp and reads
// it back from the DiskPath the child advertises on a hit, matching the
// protocol's "cache hit makes the content available locally" contract.
func (b *Backend) Lookup(ctx context.Context, fp digest.Fingerprint) (entry.Entry, error) {
	if !b.can[cacheproto.CmdGet] {
		return entry.Entry{}, fmt.Errorf("cacheprogbackend: process does not support get")
	}
	key := remotestore.KeyFor(fp, remotestore.ManifestSuffix)
	res, err := b.send(ctx, &cacheproto.Request{Command: cacheproto.CmdGet, ActionID: []byte(key)}, nil, 0)
	if err != nil {
		return entry.Entry{}, err
	}
	if res.Miss || res.DiskPath == "" {
		return entry.Entry{}, remotestore.ErrMiss
	}
	data, err := os.ReadFile(res.DiskPath)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("cacheprogbackend: reading manifest from %s: %w", res.DiskPath, err)
	}
	return entry.Decode(data)
}

// Add puts each artifact and, last, the manifest (spec §4.4's ordering
// guarantee).
func (b *Backend) Add(ctx context.Context, fp digest.Fingerprint, e entry.Entry, fileMap map[string]string) error {
	if !b.can[cacheproto.CmdPut] {
		return fmt.Errorf("cacheprogbackend: process does not support put")
	}
	for _, id := range e.FileIDs {
		path, ok := fileMap[id]
		if !ok {
			continue
		}
		if err := b.putFile(ctx, remotestore.KeyFor(fp, id), path, e.CompressionMode == entry.CompressionAll); err != nil {
			return err
		}
	}
	return b.putBytes(ctx, remotestore.KeyFor(fp, remotestore.ManifestSuffix), entry.Encode(e))
}

func (b *Backend) putFile(ctx context.Context, key, path string, compress bool) error {
	if !compress {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cacheprogbackend: opening %s: %w", path, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		_, err = b.send(ctx, &cacheproto.Request{Command: cacheproto.CmdPut, ActionID: []byte(key)}, f, info.Size())
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cacheprogbackend: reading %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	return b.putBytes(ctx, key, enc.EncodeAll(data, nil))
}

func (b *Backend) putBytes(ctx context.Context, key string, data []byte) error {
	r := newByteReader(data)
	_, err := b.send(ctx, &cacheproto.Request{Command: cacheproto.CmdPut, ActionID: []byte(key)}, r, int64(len(data)))
	return err
}

// GetFile fetches fileID and materialises it at targetPath, optionally
// zstd-decompressing (matching the other backends' CompressOnStore
// contract).
func (b *Backend) GetFile(ctx context.Context, fp digest.Fingerprint, fileID, targetPath string, decompress bool) error {
	if !b.can[cacheproto.CmdGet] {
		return fmt.Errorf("cacheprogbackend: process does not support get")
	}
	key := remotestore.KeyFor(fp, fileID)
	res, err := b.send(ctx, &cacheproto.Request{Command: cacheproto.CmdGet, ActionID: []byte(key)}, nil, 0)
	if err != nil {
		return err
	}
	if res.Miss || res.DiskPath == "" {
		return remotestore.ErrMiss
	}
	data, err := os.ReadFile(res.DiskPath)
	if err != nil {
		return fmt.Errorf("cacheprogbackend: reading %s: %w", res.DiskPath, err)
	}
	if decompress {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return err
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(targetPath, data, 0o644)
}

// Disconnect sends a close request (if supported), then tears the
// child process down.
func (b *Backend) Disconnect() error {
	if b.closing.Swap(true) {
		return nil
	}
	if b.can[cacheproto.CmdClose] {
		_, _ = b.send(context.Background(), &cacheproto.Request{Command: cacheproto.CmdClose}, nil, 0)
	}
	b.cancel()
	<-b.readLoopDone
	_ = b.cmd.Wait()
	return b.readLoopErr
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
