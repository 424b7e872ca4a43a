package digest

import (
	"fmt"
	"strconv"
	"strings"
)

// arMagic is the fixed 8-byte magic that opens every UNIX ar archive.
const arMagic = "!<arch>\n"

// arHeaderSize is the size of one ar member header: name(16) mtime(12)
// uid(6) gid(6) mode(8) size(10) end(2).
const arHeaderSize = 60

func isARArchive(data []byte) bool {
	return len(data) >= len(arMagic) && string(data[:len(arMagic)]) == arMagic
}

// updateFromARData hashes member names, declared sizes, and member
// contents, skipping the mtime/uid/gid/mode header fields so that a
// rebuild that only changes timestamps hashes identically (grounded on
// hasher_t::update_from_ar_data; see original_source/src/base/hasher.hpp).
func (d *Digester) updateFromARData(data []byte) error {
	off := len(arMagic)
	for off+arHeaderSize <= len(data) {
		header := data[off : off+arHeaderSize]
		name := strings.TrimRight(string(header[0:16]), " ")
		sizeField := strings.TrimSpace(string(header[48:58]))
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			return fmt.Errorf("digest: malformed ar member size %q: %w", sizeField, err)
		}

		d.writeLengthPrefixed([]byte(name))
		var sizeBuf [8]byte
		for i := 0; i < 8; i++ {
			sizeBuf[i] = byte(size >> (8 * i))
		}
		_, _ = d.lo.Write(sizeBuf[:])
		_, _ = d.hi.Write(sizeBuf[:])

		contentStart := off + arHeaderSize
		contentEnd := contentStart + int(size)
		if contentEnd > len(data) {
			return fmt.Errorf("digest: truncated ar member %q", name)
		}
		content := data[contentStart:contentEnd]
		_, _ = d.lo.Write(content)
		_, _ = d.hi.Write(content)

		// Members are padded to an even offset with a trailing '\n'.
		off = contentEnd
		if off%2 != 0 {
			off++
		}
	}
	return nil
}
