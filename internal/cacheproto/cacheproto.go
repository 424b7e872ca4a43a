// Package cacheproto implements the JSON stdin/stdout wire protocol
// that the driver can speak as the *server* side of a GOCACHEPROG-style
// subprocess (spec §4.6, "cacheprog mode"), directly grounded on the
// client-side shape in this repository's own ancestor,
// github.com/breezewish/go-cacheprogw's proc.go / cacheprogw.go.
//
// The state machine and fingerprinting logic in internal/driver are
// identical regardless of transport; this package only carries request
// and response framing for the subprocess entry point.
package cacheproto

import "time"

// Cmd names one operation in the protocol.
type Cmd string

const (
	CmdGet   = Cmd("get")
	CmdPut   = Cmd("put")
	CmdClose = Cmd("close")
)

// Request is sent from the driving process (e.g. a build tool) to the
// cacheproto server.
type Request struct {
	ID       int64
	Command  Cmd
	ActionID []byte `json:",omitempty"`
	OutputID []byte `json:",omitempty"`
	BodySize int64  `json:",omitempty"`
	Body     []byte `json:",omitempty"`
}

// Response answers one Request, echoing its ID. The first Response sent
// by a server (with ID 0) is the handshake advertising KnownCommands.
type Response struct {
	ID            int64
	Err           string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Miss          bool       `json:",omitempty"`
	OutputID      []byte     `json:",omitempty"`
	Size          int64      `json:",omitempty"`
	Time          *time.Time `json:",omitempty"`
	DiskPath      string     `json:",omitempty"`
}

// Handshake is the capability advertisement every server must send
// immediately on startup, before reading any Request.
func Handshake() Response {
	return Response{
		ID:            0,
		KnownCommands: []Cmd{CmdGet, CmdPut, CmdClose},
	}
}
