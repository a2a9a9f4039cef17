// Package storage persists uploaded media files on the local filesystem.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected for content detection.
const sniffLen = 3072

// Upload is one file received from a client, opened lazily.
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// StoredFile describes a file written by LocalStore.
type StoredFile struct {
	Path     string
	Size     int64
	MimeType string
}

// LocalStore writes uploads to <root>/<task_number>/<index>_<filename>.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", abs, err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *LocalStore) Root() string { return s.root }

// TaskDir is the directory holding a task's files.
func (s *LocalStore) TaskDir(taskNumber string) string {
	return filepath.Join(s.root, cleanName(taskNumber))
}

// Save copies up into the task directory and sniffs its MIME type.
func (s *LocalStore) Save(ctx context.Context, taskNumber string, index int, up Upload) (StoredFile, error) {
	dir := s.TaskDir(taskNumber)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("create task dir %s: %w", dir, err)
	}

	src, err := up.Open()
	if err != nil {
		return StoredFile{}, fmt.Errorf("open upload %s: %w", up.Filename, err)
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return StoredFile{}, fmt.Errorf("read upload %s: %w", up.Filename, err)
	}
	head = head[:n]

	path := filepath.Join(dir, fmt.Sprintf("%d_%s", index, cleanName(up.Filename)))
	dst, err := os.Create(path)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create %s: %w", path, err)
	}

	written, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head), ctxReader{ctx: ctx, r: src}))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return StoredFile{}, fmt.Errorf("write %s: %w", path, err)
	}

	return StoredFile{
		Path:     path,
		Size:     written,
		MimeType: mimetype.Detect(head).String(),
	}, nil
}

// RemoveFiles deletes the given stored files of a task and then its
// directory if nothing else is left in it. Files of other submissions that
// share the directory are kept.
func (s *LocalStore) RemoveFiles(taskNumber string, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	entries, err := os.ReadDir(s.TaskDir(taskNumber))
	if err == nil && len(entries) == 0 {
		if err := os.Remove(s.TaskDir(taskNumber)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove files of %s: %w", taskNumber, err)
	}
	return nil
}

// cleanName strips directory components so a client-provided name cannot
// escape the task directory.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
