package storage

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

func newRedisDriver(t *testing.T) (*RedisDriver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	d := NewRedisDriver(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { d.Close() })
	return d, mr
}

func newSQLiteDriver(t *testing.T) *SQLiteDriver {
	t.Helper()
	d, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ipx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// exerciseKV runs the same contract against any driver.
func exerciseKV(t *testing.T, d Driver) {
	t.Helper()
	ctx := context.Background()
	s, err := NewKV(d, "ipx")
	require.NoError(t, err)

	meta, err := s.GetMeta(ctx, "/missing.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = s.GetData(ctx, "/missing.png", core.StorageOptions{})
	assert.Equal(t, http.StatusNotFound, apperrors.StatusOf(err))

	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	age := 60
	require.NoError(t, s.Put(ctx, "/a.png", Item{Data: []byte("png"), MTime: &mtime, MaxAge: &age}))

	meta, err = s.GetMeta(ctx, "/a.png", core.StorageOptions{})
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NotNil(t, meta.MTime)
	assert.True(t, meta.MTime.Equal(mtime))
	require.NotNil(t, meta.MaxAge)
	assert.Equal(t, 60, *meta.MaxAge)

	data, err := s.GetData(ctx, "/a.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	// Overwrite without metadata clears the old fields.
	require.NoError(t, s.Put(ctx, "/a.png", Item{Data: []byte("v2")}))
	meta, err = s.GetMeta(ctx, "/a.png", core.StorageOptions{})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Nil(t, meta.MTime)
	assert.Nil(t, meta.MaxAge)

	require.NoError(t, s.Delete(ctx, "/a.png"))
	meta, err = s.GetMeta(ctx, "/a.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestKVRedis(t *testing.T) {
	d, mr := newRedisDriver(t)
	exerciseKV(t, d)

	s, _ := NewKV(d, "ipx")
	require.NoError(t, s.Put(context.Background(), "/k.png", Item{Data: []byte("x")}))
	assert.True(t, mr.Exists("ipx:/k.png"), "keys are namespaced by prefix")
}

func TestKVSQLite(t *testing.T) {
	exerciseKV(t, newSQLiteDriver(t))
}

func TestKVNameAndKey(t *testing.T) {
	d, _ := newRedisDriver(t)
	s, err := NewKV(d, "")
	require.NoError(t, err)
	assert.Equal(t, "ipx:redis", s.Name())
	assert.Equal(t, "/a.png", s.Key("/a.png"))

	_, err = NewKV(nil, "p")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConfig))
}

func TestKVDriverFailureIsTransient(t *testing.T) {
	d, mr := newRedisDriver(t)
	s, err := NewKV(d, "ipx")
	require.NoError(t, err)
	mr.Close()

	_, err = s.GetData(context.Background(), "/a.png", core.StorageOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}
