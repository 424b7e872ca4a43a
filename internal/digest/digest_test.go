package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStability(t *testing.T) {
	d1 := New()
	d1.UpdateString("hello world")
	f1 := d1.Finalize()

	d2 := New()
	d2.UpdateString("hello world")
	f2 := d2.Finalize()

	assert.Equal(t, f1, f2)
	assert.Len(t, f1.String(), 32)
}

func TestFingerprintOrderedPairsAreOrderInsensitiveWhenPreSorted(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1"}

	d1 := New()
	d1.UpdateOrderedPairs(SortedPairs(m))
	f1 := d1.Finalize()

	// Build the same map with a different insertion order; SortedPairs
	// must still produce the same traversal order.
	m2 := map[string]string{"a": "1", "b": "2"}
	d2 := New()
	d2.UpdateOrderedPairs(SortedPairs(m2))
	f2 := d2.Finalize()

	assert.Equal(t, f1, f2)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := func(arg string) Fingerprint {
		d := New()
		d.UpdateString("source")
		d.UpdateString(arg)
		d.UpdateOrderedPairs(SortedPairs(map[string]string{"CL": "/W4"}))
		d.UpdateString("program-id")
		return d.Finalize()
	}

	f1 := base("-c")
	f2 := base("-o")
	assert.NotEqual(t, f1, f2)
}

func TestUnambiguousPairSeparator(t *testing.T) {
	d1 := New()
	d1.UpdateOrderedPairs([]KV{{Key: "a", Value: "1b"}, {Key: "b", Value: "2"}})
	f1 := d1.Finalize()

	d2 := New()
	d2.UpdateOrderedPairs([]KV{{Key: "a", Value: "1"}, {Key: "b2", Value: ""}})
	f2 := d2.Finalize()

	assert.NotEqual(t, f1, f2)
}

func TestFinalizeOnlyOnce(t *testing.T) {
	d := New()
	d.UpdateString("x")
	d.Finalize()

	assert.Panics(t, func() {
		d.UpdateString("y")
	})
}

func writeARArchive(t *testing.T, path string, mtime string) {
	t.Helper()
	var buf []byte
	buf = append(buf, []byte(arMagic)...)

	writeMember := func(name string, content []byte) {
		header := make([]byte, arHeaderSize)
		copy(header, []byte(padRight(name, 16)))
		copy(header[16:28], []byte(padRight(mtime, 12)))
		copy(header[28:34], []byte(padRight("0", 6)))
		copy(header[34:40], []byte(padRight("0", 6)))
		copy(header[40:48], []byte(padRight("644", 8)))
		copy(header[48:58], []byte(padRight(itoa(len(content)), 10)))
		header[58] = '`'
		header[59] = '\n'

		buf = append(buf, header...)
		buf = append(buf, content...)
		if len(content)%2 != 0 {
			buf = append(buf, '\n')
		}
	}

	writeMember("a.o", []byte("first member contents"))
	writeMember("b.o", []byte("second member contents!"))

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestArchiveDeterministicHashIgnoresTimestamp(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "lib1.a")
	path2 := filepath.Join(dir, "lib2.a")

	writeARArchive(t, path1, "1000000000")
	writeARArchive(t, path2, "1003600000") // one hour later

	d1 := New()
	require.NoError(t, d1.UpdateFromFileDeterministic(path1))
	f1 := d1.Finalize()

	d2 := New()
	require.NoError(t, d2.UpdateFromFileDeterministic(path2))
	f2 := d2.Finalize()

	assert.Equal(t, f1, f2, "deterministic hash must ignore ar member timestamps")

	d3 := New()
	require.NoError(t, d3.UpdateFromFile(path1))
	f3 := d3.Finalize()

	d4 := New()
	require.NoError(t, d4.UpdateFromFile(path2))
	f4 := d4.Finalize()

	assert.NotEqual(t, f3, f4, "raw hash must be sensitive to ar member timestamps")
}
