package redisbackend

import (
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// compressFile reads path and returns its zstd-compressed contents, used
// by Add whenever the inserted entry's CompressionMode is CompressionAll
// so that GetFile's decompression of such an entry on a later hit
// succeeds.
func compressFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func writeFile(targetPath string, data []byte, decompress bool) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	if !decompress {
		return os.WriteFile(targetPath, data, 0o644)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return os.WriteFile(targetPath, out, 0o644)
}
