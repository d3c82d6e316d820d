package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// Item is one stored source image.
type Item struct {
	Data   []byte
	MTime  *time.Time
	MaxAge *int
}

// Driver is the minimal key/value interface the KV backend needs. Real
// drivers live next to it (Redis, SQLite); tests may inject doubles.
type Driver interface {
	Name() string
	// Meta returns the stored metadata, or ok=false when key is absent.
	Meta(ctx context.Context, key string) (meta core.SourceMeta, ok bool, err error)
	// Get returns the stored bytes, or ok=false when key is absent.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Put(ctx context.Context, key string, item Item) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// KV adapts a Driver to core.Storage. Ids are stored under "<prefix>:<id>".
type KV struct {
	driver Driver
	prefix string
}

var _ core.Storage = (*KV)(nil)

// NewKV creates a KV storage. driver must not be nil.
func NewKV(driver Driver, prefix string) (*KV, error) {
	if driver == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "kv.new", errors.New("driver must not be nil"))
	}
	return &KV{driver: driver, prefix: prefix}, nil
}

func (s *KV) Name() string { return "ipx:" + s.driver.Name() }

// Key returns the driver key for id.
func (s *KV) Key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + ":" + id
}

func (s *KV) GetMeta(ctx context.Context, id string, _ core.StorageOptions) (*core.SourceMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "kv.get_meta", err)
	}
	meta, ok, err := s.driver.Meta(ctx, s.Key(id))
	if err != nil {
		return nil, unavailable("kv.get_meta", err)
	}
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (s *KV) GetData(ctx context.Context, id string, _ core.StorageOptions) ([]byte, error) {
	const op = "kv.get_data"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	data, ok, err := s.driver.Get(ctx, s.Key(id))
	if err != nil {
		return nil, unavailable(op, err)
	}
	if !ok {
		return nil, apperrors.NotFound(op, CodeFileNotFound, "Item not found: "+id)
	}
	return data, nil
}

// Put stores item under id.
func (s *KV) Put(ctx context.Context, id string, item Item) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "kv.put", err)
	}
	if err := s.driver.Put(ctx, s.Key(id), item); err != nil {
		return unavailable("kv.put", err)
	}
	return nil
}

// Delete removes id. Missing keys are not an error.
func (s *KV) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "kv.delete", err)
	}
	if err := s.driver.Delete(ctx, s.Key(id)); err != nil {
		return unavailable("kv.delete", err)
	}
	return nil
}

// Close releases the driver.
func (s *KV) Close() error { return s.driver.Close() }

// unavailable marks a driver failure as transient.
func unavailable(op string, err error) error {
	return apperrors.Transient(op, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err))
}
