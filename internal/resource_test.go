package internal

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuproxy/gpuproxy/types"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "gpuproxy-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// forEachResource runs fn against the db backend of every store and the
// filesystem backend.
func forEachResource(t *testing.T, fn func(t *testing.T, res types.Resource)) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		fn(t, NewDBResource(store))
	})

	t.Run("fs", func(t *testing.T) {
		res, err := NewFileResource(tempDir(t))
		require.NoError(t, err)
		fn(t, res)
	})
}

func TestResourceRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 4<<20/16)

	forEachResource(t, func(t *testing.T, res types.Resource) {
		ctx := context.Background()

		testCases := []struct {
			name string
			data []byte
		}{
			{"empty", []byte{}},
			{"small", []byte(`{"phase1":"output"}`)},
			{"multi megabyte", big},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				id, err := res.StoreResourceInfo(ctx, tc.data)
				require.NoError(t, err)
				assert.NotEmpty(t, id)

				data, err := res.GetResourceInfo(ctx, id)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tc.data, data), "payload of %d bytes changed", len(tc.data))
			})
		}
	})
}

func TestResourceDistinctIDs(t *testing.T) {
	forEachResource(t, func(t *testing.T, res types.Resource) {
		ctx := context.Background()

		a, err := res.StoreResourceInfo(ctx, []byte("same"))
		require.NoError(t, err)
		b, err := res.StoreResourceInfo(ctx, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestResourceNotFound(t *testing.T) {
	forEachResource(t, func(t *testing.T, res types.Resource) {
		_, err := res.GetResourceInfo(context.Background(), "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestResourceRejectsMalformedID(t *testing.T) {
	forEachResource(t, func(t *testing.T, res types.Resource) {
		for _, id := range []string{"", "nope", "../secret", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"} {
			_, err := res.GetResourceInfo(context.Background(), id)
			assert.True(t, errors.Is(err, types.ErrInvalidParams), "%q: %v", id, err)
		}
	})
}

func TestFileResourceRejectsTraversal(t *testing.T) {
	root := tempDir(t)
	res, err := NewFileResource(filepath.Join(root, "resources"))
	require.NoError(t, err)

	secret := filepath.Join(root, "secret")
	require.NoError(t, ioutil.WriteFile(secret, []byte("secret"), 0600))

	for _, id := range []string{
		"../secret",
		"/etc/passwd",
		"..",
		"",
		"6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8/../../secret",
	} {
		t.Run(id, func(t *testing.T) {
			_, err := res.GetResourceInfo(context.Background(), id)
			assert.True(t, errors.Is(err, types.ErrInvalidParams), "%v", err)
		})
	}
}

func TestFileResourceRemovedExternally(t *testing.T) {
	root := tempDir(t)
	res, err := NewFileResource(root)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := res.StoreResourceInfo(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, id))

	require.NoError(t, os.Remove(filepath.Join(root, id)))

	_, err = res.GetResourceInfo(ctx, id)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	files, err := ioutil.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, files, "temporary files left behind")
}

func TestNewFileResourceRequiresPath(t *testing.T) {
	_, err := NewFileResource("")
	assert.True(t, errors.Is(err, ErrInvalidResourceType))
}

func TestNewResource(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		conf := NewConfig()

		res, err := NewResource(conf, store)
		require.NoError(t, err)
		assert.IsType(t, &DBResource{}, res)

		conf.ResourceType = ResourceTypeFS
		conf.ResourcePath = tempDir(t)
		conf.ResourceCacheTTL = NewDuration(time.Minute)
		res, err = NewResource(conf, store)
		require.NoError(t, err)
		assert.IsType(t, &CachedResource{}, res)

		conf.ResourceType = "s3"
		_, err = NewResource(conf, store)
		assert.True(t, errors.Is(err, ErrInvalidResourceType))
	})
}

type countingResource struct {
	types.Resource
	gets int32
}

func (r *countingResource) GetResourceInfo(ctx context.Context, id string) ([]byte, error) {
	atomic.AddInt32(&r.gets, 1)
	return r.Resource.GetResourceInfo(ctx, id)
}

func TestCachedResource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	fs, err := NewFileResource(tempDir(t))
	require.NoError(t, err)
	backend := &countingResource{Resource: fs}
	res := NewCachedResource(backend, time.Minute)

	id, err := res.StoreResourceInfo(ctx, []byte("payload"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		data, err := res.GetResourceInfo(ctx, id)
		require.NoError(t, err)
		assert.Equal([]byte("payload"), data)
	}
	assert.Equal(int32(1), atomic.LoadInt32(&backend.gets))

	data, err := res.GetResourceInfo(ctx, id)
	require.NoError(t, err)
	copy(data, "XXXXXXX")
	data, err = res.GetResourceInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal([]byte("payload"), data, "cached entries are not shared with callers")

	_, err = res.GetResourceInfo(ctx, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.True(errors.Is(err, types.ErrNotFound))
	_, err = res.GetResourceInfo(ctx, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.True(errors.Is(err, types.ErrNotFound))
	assert.Equal(int32(3), atomic.LoadInt32(&backend.gets), "failures are not cached")
}
