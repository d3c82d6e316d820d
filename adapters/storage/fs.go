// Package storage provides core.Storage implementations and the Router that
// picks one per request.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

const (
	CodeForbiddenPath = "IPX_FORBIDDEN_PATH"
	CodeFileAccess    = "IPX_FILE_ACCESS_ERROR"
	CodeFileNotFound  = "IPX_FILE_NOT_FOUND"
)

// reservedChars are rejected anywhere in a filesystem id.
const reservedChars = "\"*:<>?|\x00"

// FS serves files from one or more root directories, searched in order.
type FS struct {
	roots       []string
	maxAge      *int
	permissions os.FileMode
}

var _ core.Storage = (*FS)(nil)

// NewFS creates an FS storage over dirs. Each dir is made absolute; at least
// one is required. maxAge, when set, is reported for every file.
func NewFS(dirs []string, maxAge *int) (*FS, error) {
	if len(dirs) == 0 {
		return nil, apperrors.New(apperrors.CategoryConfig, "fs.new", errors.New("at least one directory is required"))
	}
	roots := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "fs.new", fmt.Errorf("resolve %s: %w", d, err))
		}
		roots = append(roots, filepath.Clean(abs))
	}
	return &FS{roots: roots, maxAge: maxAge, permissions: 0o644}, nil
}

func (s *FS) Name() string { return "ipx:fs" }

// Roots returns the resolved root directories in priority order.
func (s *FS) Roots() []string {
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// validate rejects ids that could escape a root before any I/O happens.
func (s *FS) validate(op, id string) error {
	if strings.ContainsAny(id, reservedChars) {
		return apperrors.Forbidden(op, CodeForbiddenPath, "Forbidden path: "+id)
	}
	for _, seg := range strings.FieldsFunc(id, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return apperrors.Forbidden(op, CodeForbiddenPath, "Forbidden path: "+id)
		}
	}
	return nil
}

// absPath joins id under root and checks the result stays inside it. A
// sibling directory sharing root as a string prefix does not count as inside.
func (s *FS) absPath(op, root, id string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(id))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", apperrors.Forbidden(op, CodeForbiddenPath, "Forbidden path: "+id)
	}
	return p, nil
}

// locate returns the first regular file matching id, or "" when none does.
func (s *FS) locate(ctx context.Context, op, id string) (string, os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	if err := s.validate(op, id); err != nil {
		return "", nil, err
	}
	for _, root := range s.roots {
		p, err := s.absPath(op, root, id)
		if err != nil {
			return "", nil, err
		}
		info, err := os.Stat(p)
		switch {
		case err == nil && info.Mode().IsRegular():
			return p, info, nil
		case err == nil:
			// Directory or special file; keep looking.
			continue
		case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
			continue
		default:
			pe := apperrors.Forbidden(op, CodeFileAccess, "File access error: "+id)
			pe.Err = err
			return "", nil, pe
		}
	}
	return "", nil, nil
}

// GetMeta returns the modification time of the first matching file, or
// (nil, nil) when no root holds it.
func (s *FS) GetMeta(ctx context.Context, id string, _ core.StorageOptions) (*core.SourceMeta, error) {
	_, info, err := s.locate(ctx, "fs.get_meta", id)
	if err != nil || info == nil {
		return nil, err
	}
	mtime := info.ModTime()
	return &core.SourceMeta{MTime: &mtime, MaxAge: s.maxAge}, nil
}

// GetData reads the first matching file.
func (s *FS) GetData(ctx context.Context, id string, _ core.StorageOptions) ([]byte, error) {
	const op = "fs.get_data"
	p, _, err := s.locate(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, apperrors.NotFound(op, CodeFileNotFound, "File not found: "+id)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op+".open", err)
	}
	defer f.Close()
	data, err := utils.ReadAll(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op+".read", err)
	}
	return data, nil
}

// Put writes r under id in the first root. It shares the traversal checks of
// the read path.
func (s *FS) Put(ctx context.Context, id string, r io.Reader) error {
	const op = "fs.put"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	if err := s.validate(op, id); err != nil {
		return err
	}
	path, err := s.absPath(op, s.roots[0], id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".mkdir", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.permissions)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".open", err)
	}
	defer f.Close()

	if _, err = io.Copy(f, r); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".copy", err)
	}
	return nil
}
