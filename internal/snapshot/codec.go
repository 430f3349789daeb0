package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
)

// CompressFile writes src to dst as a Snappy framed stream.
func CompressFile(src, dst string) (int64, error) {
	return transcode(src, dst, func(w io.Writer, r io.Reader) error {
		sw := snappy.NewBufferedWriter(w)
		if _, err := io.Copy(sw, r); err != nil {
			return err
		}
		return sw.Close()
	})
}

// DecompressFile expands a Snappy framed stream at src into dst.
func DecompressFile(src, dst string) (int64, error) {
	return transcode(src, dst, func(w io.Writer, r io.Reader) error {
		_, err := io.Copy(w, snappy.NewReader(r))
		return err
	})
}

// transcode runs fn from src into a temp file next to dst, then renames it
// into place. It returns the size of dst.
func transcode(src, dst string, fn func(io.Writer, io.Reader) error) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("snapshot: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("snapshot: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return 0, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := fn(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("snapshot: transcode %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("snapshot: rename: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("snapshot: stat %s: %w", dst, err)
	}
	return info.Size(), nil
}
