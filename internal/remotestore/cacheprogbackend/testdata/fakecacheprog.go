// Command fakecacheprog is a minimal GOCACHEPROG-compatible server used
// only by cacheprogbackend's tests, adapted from
// github.com/breezewish/go-cacheprogw's testdata/simplecacheprog.go: it
// stores each put body under a temp file and reports that file back as
// DiskPath on both put and get.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"
)

type Cmd string

const (
	CmdPut   = Cmd("put")
	CmdGet   = Cmd("get")
	CmdClose = Cmd("close")
)

type Request struct {
	ID       int64
	Command  Cmd
	ActionID []byte
	BodySize int64
}

type Response struct {
	ID            int64
	KnownCommands []Cmd `json:",omitempty"`
	Miss          bool  `json:",omitempty"`
	Size          int64 `json:",omitempty"`
	Time          *time.Time
	DiskPath      string `json:",omitempty"`
}

var store = map[string]string{}

func nextLine(s *bufio.Scanner) []byte {
	for s.Scan() {
		if len(s.Bytes()) == 0 {
			continue
		}
		return s.Bytes()
	}
	panic(io.EOF)
}

func main() {
	dir, err := os.MkdirTemp("", "fakecacheprog")
	if err != nil {
		panic(err)
	}

	w := json.NewEncoder(os.Stdout)
	r := bufio.NewScanner(os.Stdin)
	r.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	_ = w.Encode(&Response{ID: 0, KnownCommands: []Cmd{CmdPut, CmdGet, CmdClose}})

	for {
		var req Request
		if err := json.Unmarshal(nextLine(r), &req); err != nil {
			panic(err)
		}

		switch req.Command {
		case CmdPut:
			var body []byte
			if req.BodySize > 0 {
				payload := nextLine(r)
				body = make([]byte, req.BodySize)
				n, err := base64.StdEncoding.Decode(body, payload[1:len(payload)-1])
				if err != nil {
					panic(err)
				}
				body = body[:n]
			}
			path := filepath.Join(dir, base64.RawURLEncoding.EncodeToString(req.ActionID))
			if err := os.WriteFile(path, body, 0o644); err != nil {
				panic(err)
			}
			store[string(req.ActionID)] = path
			_ = w.Encode(&Response{ID: req.ID, DiskPath: path, Size: int64(len(body))})
		case CmdGet:
			path, ok := store[string(req.ActionID)]
			if !ok {
				_ = w.Encode(&Response{ID: req.ID, Miss: true})
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				panic(err)
			}
			now := time.Now()
			_ = w.Encode(&Response{ID: req.ID, DiskPath: path, Size: info.Size(), Time: &now})
		case CmdClose:
			_ = w.Encode(&Response{ID: req.ID})
			return
		}
	}
}
