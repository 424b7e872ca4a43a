// Package entry implements the cache entry model and serializer
// (spec §4.2, C2): the schema for one cached tool invocation result and
// its self-describing, round-trip-stable wire format.
package entry

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CompressionMode selects whether artifact payloads are stored
// compressed. It never applies to the manifest itself.
type CompressionMode uint8

const (
	CompressionNone CompressionMode = 0
	CompressionAll  CompressionMode = 1
)

func (m CompressionMode) valid() bool {
	return m == CompressionNone || m == CompressionAll
}

// magic is the fixed 4-byte prefix ("BCE" + version 1) that opens every
// serialised entry (spec §6). A future breaking wire-format change bumps
// the trailing version byte; unknown versions must deserialize as an
// error, never as a silent miss.
var magic = [4]byte{'B', 'C', 'E', 0x01}

// Entry is the stored unit for one tool invocation: an ordered set of
// File IDs present in the entry, a compression mode, the captured
// stdout/stderr streams, and the tool's exit code. Entries are
// value-type and immutable once constructed.
type Entry struct {
	FileIDs         []string
	CompressionMode CompressionMode
	Stdout          []byte
	Stderr          []byte
	ExitCode        int32
}

// ErrUnknownVersion is returned by Decode when the leading magic+version
// does not match a version this build understands.
type ErrUnknownVersion struct {
	Got byte
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("entry: unknown wire format version %d", e.Got)
}

// ErrTruncated is returned by Decode when the input ends before a
// declared length-prefixed field is fully present.
type ErrTruncated struct {
	Field string
}

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("entry: truncated input while reading %s", e.Field)
}

// ErrDuplicateFileID is returned by Decode when the same File ID appears
// twice in one entry.
type ErrDuplicateFileID struct {
	ID string
}

func (e *ErrDuplicateFileID) Error() string {
	return fmt.Sprintf("entry: duplicate file id %q", e.ID)
}

// ErrInvalidEnum is returned by Decode when CompressionMode is outside
// its defined range.
type ErrInvalidEnum struct {
	Field string
	Value uint8
}

func (e *ErrInvalidEnum) Error() string {
	return fmt.Sprintf("entry: invalid value %d for %s", e.Value, e.Field)
}

// Encode serialises e deterministically: two equivalent entries always
// produce identical byte sequences, all integers little-endian.
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])

	buf.WriteByte(byte(e.CompressionMode))

	var exitBuf [4]byte
	binary.LittleEndian.PutUint32(exitBuf[:], uint32(e.ExitCode))
	buf.Write(exitBuf[:])

	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(e.FileIDs)))
	buf.Write(nBuf[:])
	for _, id := range e.FileIDs {
		writeLenPrefixed(&buf, []byte(id))
	}

	writeLenPrefixed(&buf, e.Stdout)
	writeLenPrefixed(&buf, e.Stderr)

	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

// Decode parses the wire format produced by Encode, rejecting truncated
// input, out-of-range enums, and duplicate File IDs.
func Decode(data []byte) (Entry, error) {
	r := bytes.NewReader(data)

	var got [4]byte
	if _, err := readFull(r, got[:]); err != nil {
		return Entry{}, &ErrTruncated{Field: "magic"}
	}
	if got[0] != magic[0] || got[1] != magic[1] || got[2] != magic[2] {
		return Entry{}, &ErrUnknownVersion{Got: got[3]}
	}
	if got[3] != magic[3] {
		return Entry{}, &ErrUnknownVersion{Got: got[3]}
	}

	modeByte, err := readByte(r)
	if err != nil {
		return Entry{}, &ErrTruncated{Field: "compression_mode"}
	}
	mode := CompressionMode(modeByte)
	if !mode.valid() {
		return Entry{}, &ErrInvalidEnum{Field: "compression_mode", Value: modeByte}
	}

	exitCode, err := readUint32(r)
	if err != nil {
		return Entry{}, &ErrTruncated{Field: "exit_code"}
	}

	nFileIDs, err := readUint32(r)
	if err != nil {
		return Entry{}, &ErrTruncated{Field: "n_file_ids"}
	}

	seen := make(map[string]struct{}, nFileIDs)
	fileIDs := make([]string, 0, nFileIDs)
	for i := uint32(0); i < nFileIDs; i++ {
		id, err := readLenPrefixedString(r)
		if err != nil {
			return Entry{}, &ErrTruncated{Field: "file_id"}
		}
		if _, dup := seen[id]; dup {
			return Entry{}, &ErrDuplicateFileID{ID: id}
		}
		seen[id] = struct{}{}
		fileIDs = append(fileIDs, id)
	}

	stdout, err := readLenPrefixedBytes(r)
	if err != nil {
		return Entry{}, &ErrTruncated{Field: "stdout"}
	}
	stderr, err := readLenPrefixedBytes(r)
	if err != nil {
		return Entry{}, &ErrTruncated{Field: "stderr"}
	}

	return Entry{
		FileIDs:         fileIDs,
		CompressionMode: mode,
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        int32(exitCode),
	}, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		return n, fmt.Errorf("short read")
	}
	return n, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readLenPrefixedBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readLenPrefixedString(r *bytes.Reader) (string, error) {
	b, err := readLenPrefixedBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
