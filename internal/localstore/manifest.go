package localstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
)

// record is one fixed-width record of the global LRU manifest: {hex_key,
// size_bytes, last_access_unix_millis} (spec §6). All integers
// little-endian.
type record struct {
	HexKey         string
	SizeBytes      int64
	LastAccessMs   int64
}

const hexKeyLen = 32 // digest.Fingerprint hex-encoded

func encodeManifest(records []record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(r.HexKey)

		var sizeBuf [8]byte
		binary.LittleEndian.PutUint64(sizeBuf[:], uint64(r.SizeBytes))
		buf.Write(sizeBuf[:])

		var tsBuf [8]byte
		binary.LittleEndian.PutUint64(tsBuf[:], uint64(r.LastAccessMs))
		buf.Write(tsBuf[:])
	}
	return buf.Bytes()
}

// recordSize is the fixed width of one encoded manifest record.
const recordSize = hexKeyLen + 8 + 8

// decodeManifest parses a sequence of fixed-width records written back
// to back; neither the sequence nor the records carry a length prefix.
// Trailing bytes shorter than one record are dropped silently rather
// than reported as an error.
func decodeManifest(data []byte) []record {
	n := len(data) / recordSize
	out := make([]record, 0, n)
	for i := 0; i < n; i++ {
		chunk := data[i*recordSize : (i+1)*recordSize]
		hexKey := string(chunk[:hexKeyLen])
		size := int64(binary.LittleEndian.Uint64(chunk[hexKeyLen : hexKeyLen+8]))
		ts := int64(binary.LittleEndian.Uint64(chunk[hexKeyLen+8 : hexKeyLen+16]))
		out = append(out, record{HexKey: hexKey, SizeBytes: size, LastAccessMs: ts})
	}
	return out
}

func readManifestFile(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: reading manifest: %w", err)
	}
	return decodeManifest(data), nil
}

// writeManifestFile rewrites the manifest in place via a temp file plus
// rename, so a reader never observes a half-written manifest.
func writeManifestFile(path string, records []record) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeManifest(records), 0o644); err != nil {
		return fmt.Errorf("localstore: writing manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localstore: renaming manifest: %w", err)
	}
	return nil
}

func validateHexKey(key string) error {
	if len(key) != hexKeyLen {
		return fmt.Errorf("localstore: hex key %q has wrong length", key)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("localstore: hex key %q is not valid hex: %w", key, err)
	}
	return nil
}
