package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Disk stores blobs as files under a root directory. Writes go to a temp
// file in the destination directory and are renamed into place.
type Disk struct {
	root string
}

func NewDisk(root string) (*Disk, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &Disk{root: root}, nil
}

// path resolves key under root, refusing anything that escapes it.
func (d *Disk) path(key string) (string, error) {
	p := filepath.Clean(filepath.Join(d.root, filepath.FromSlash(key)))
	if !strings.HasPrefix(p, d.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blobstore: key %q escapes root", key)
	}
	return p, nil
}

func (d *Disk) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	dest, err := d.path(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("blobstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	bw := bufio.NewWriter(tmp)
	n, err := io.Copy(bw, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fail(fmt.Errorf("blobstore: write %s: %w", key, err))
	}
	if size >= 0 && n != size {
		return fail(fmt.Errorf("blobstore: write %s: got %d bytes, want %d", key, n, size))
	}
	if err := bw.Flush(); err != nil {
		return fail(fmt.Errorf("blobstore: flush %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("blobstore: close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("blobstore: rename %s: %w", key, err)
	}
	return n, nil
}

func (d *Disk) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blobstore: open %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", key, err)
	}
	return f, nil
}

func (d *Disk) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

func (d *Disk) DeletePrefix(_ context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("blobstore: prefix %q must end in /", prefix)
	}
	p, err := d.path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("blobstore: delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Ping checks that the root directory is still reachable.
func (d *Disk) Ping(context.Context) error {
	fi, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("blobstore: %s is not a directory", d.root)
	}
	return nil
}
