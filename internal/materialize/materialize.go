// Package materialize implements the artifact materialiser (spec §4.8,
// C9): writing a cached file to its destination via hardlink, copy, or
// decompress-copy, creating intermediate directories as needed. The
// final close of each destination file is handed to an
// internal/ioworker.Pool (C5) when the caller supplies one, so the
// fsync/close latency of a large artifact never sits on the calling
// goroutine's hot path.
package materialize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/buildcache/corecache/internal/ioworker"
)

// Options controls how one artifact is materialised.
type Options struct {
	// AllowHardlink permits hardlinking instead of copying when the
	// source and target are on the same filesystem.
	AllowHardlink bool
	// CreateDirs permits creating intermediate directories for Target.
	CreateDirs bool
	// Compressed indicates Source holds zstd-compressed data that must
	// be decompressed into Target.
	Compressed bool
	// ClosePool, if non-nil and started, absorbs Target's final close
	// (and fsync) instead of doing it on the calling goroutine. A nil or
	// unstarted pool closes synchronously, which is the zero-value
	// behaviour.
	ClosePool *ioworker.Pool
}

// Materialize places the cached file at Source onto Target, according
// to opts. On any failure, Target is left non-existent (it is unlinked
// before the error is returned), matching spec §4.8.
func Materialize(source, target string, opts Options) error {
	if opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("materialize: creating directories for %s: %w", target, err)
		}
	}

	var err error
	switch {
	case opts.Compressed:
		err = decompressCopy(source, target, opts.ClosePool)
	case opts.AllowHardlink && sameFilesystem(source, target):
		err = os.Link(source, target)
		if err != nil {
			// Hard-linking is only ever a fast path; fall back to copy on
			// any failure (e.g. cross-device even though sameFilesystem
			// said otherwise, or the platform disallows hardlinks here).
			err = copyFile(source, target, opts.ClosePool)
		}
	default:
		err = copyFile(source, target, opts.ClosePool)
	}

	if err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("materialize: %s -> %s: %w", source, target, err)
	}
	return nil
}

func copyFile(source, target string, closePool *ioworker.Pool) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	closePool.EnqueueClose(ioworker.Closer{File: out, Sync: out.Sync})
	return nil
}

func decompressCopy(source, target string, closePool *ioworker.Pool) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()
		return err
	}
	closePool.EnqueueClose(ioworker.Closer{File: out, Sync: out.Sync})
	return nil
}

// CompressInto writes the zstd-compressed form of source to target,
// used by the local store when compression_mode is ALL. closePool, if
// non-nil and started, absorbs target's final close; the zstd frame is
// always flushed synchronously first, since the trailer must land
// before the file handle is handed off.
func CompressInto(source, target string, closePool *ioworker.Pool) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	closePool.EnqueueClose(ioworker.Closer{File: out, Sync: out.Sync})
	return nil
}

// sameFilesystem reports whether source and target live on the same
// filesystem (hard links are always skipped across a filesystem
// boundary — spec §4.8).
func sameFilesystem(source, target string) bool {
	srcDev, ok1 := deviceOf(filepath.Dir(source))
	dstDev, ok2 := deviceOf(filepath.Dir(target))
	return ok1 && ok2 && srcDev == dstDev
}
