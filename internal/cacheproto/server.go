package cacheproto

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Handler answers Get/Put/Close requests on behalf of a Server. Its
// shape mirrors the Backend interfaces used by the Go ecosystem's own
// GOCACHEPROG servers (e.g. richardartoul/gobuildcache,
// chronosphereio/gobuildcache), which this package's wire format is
// directly compatible with.
type Handler interface {
	Get(actionID []byte) (outputID []byte, diskPath string, size int64, putTime *time.Time, miss bool, err error)
	Put(actionID, outputID []byte, body io.Reader, bodySize int64) (diskPath string, err error)
	Close() error
}

// Server drives the GOCACHEPROG-compatible protocol over r/w, dispatching
// Get/Put/Close to h. Serve blocks until r is closed or a Close command
// is received.
type Server struct {
	h Handler
	r *bufio.Scanner
	w *json.Encoder
}

// NewServer wraps r/w with the protocol framing. r.Buffer is widened to
// accommodate base64-encoded artifact bodies on a single line.
func NewServer(r io.Reader, w io.Writer, h Handler) *Server {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &Server{h: h, r: scanner, w: json.NewEncoder(w)}
}

// Serve sends the initial handshake, then services requests until EOF
// or a close command.
func (s *Server) Serve() error {
	if err := s.w.Encode(Handshake()); err != nil {
		return fmt.Errorf("cacheproto: writing handshake: %w", err)
	}

	for {
		line, ok := s.nextLine()
		if !ok {
			return nil
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("cacheproto: decoding request: %w", err)
		}

		switch req.Command {
		case CmdGet:
			s.handleGet(req)
		case CmdPut:
			if err := s.handlePut(req); err != nil {
				return err
			}
		case CmdClose:
			_ = s.w.Encode(Response{ID: req.ID})
			return s.h.Close()
		default:
			_ = s.w.Encode(Response{ID: req.ID, Err: fmt.Sprintf("unknown command %q", req.Command)})
		}
	}
}

func (s *Server) nextLine() ([]byte, bool) {
	for s.r.Scan() {
		if len(s.r.Bytes()) == 0 {
			continue
		}
		return s.r.Bytes(), true
	}
	return nil, false
}

func (s *Server) handleGet(req Request) {
	outputID, diskPath, size, putTime, miss, err := s.h.Get(req.ActionID)
	if err != nil {
		_ = s.w.Encode(Response{ID: req.ID, Err: err.Error()})
		return
	}
	if miss {
		_ = s.w.Encode(Response{ID: req.ID, Miss: true})
		return
	}
	_ = s.w.Encode(Response{
		ID:       req.ID,
		OutputID: outputID,
		Size:     size,
		Time:     putTime,
		DiskPath: diskPath,
	})
}

func (s *Server) handlePut(req Request) error {
	var body io.Reader = emptyReader{}
	if req.BodySize > 0 {
		payload, ok := s.nextLine()
		if !ok {
			return fmt.Errorf("cacheproto: expected body for put, got EOF")
		}
		if len(payload) < 2 || payload[0] != '"' || payload[len(payload)-1] != '"' {
			return fmt.Errorf("cacheproto: expected base64-encoded quoted body")
		}
		decoded := make([]byte, req.BodySize)
		n, err := base64.StdEncoding.Decode(decoded, payload[1:len(payload)-1])
		if err != nil {
			return fmt.Errorf("cacheproto: decoding body: %w", err)
		}
		body = bytes.NewReader(decoded[:n])
	}

	diskPath, err := s.h.Put(req.ActionID, req.OutputID, body, req.BodySize)
	if err != nil {
		_ = s.w.Encode(Response{ID: req.ID, Err: err.Error()})
		return nil
	}
	_ = s.w.Encode(Response{ID: req.ID, OutputID: req.OutputID, DiskPath: diskPath})
	return nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
