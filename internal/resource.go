package internal

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const (
	ResourceTypeDB = "db"
	ResourceTypeFS = "fs"
)

var (
	ErrInvalidResourceType = errors.New("error: invalid resource type")
)

// NewResource returns the resource backend selected by the configuration.
func NewResource(conf *Config, store Store) (types.Resource, error) {
	var (
		res types.Resource
		err error
	)

	switch conf.ResourceType {
	case ResourceTypeDB:
		res = NewDBResource(store)
	case ResourceTypeFS:
		res, err = NewFileResource(conf.ResourcePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResourceType, conf.ResourceType)
	}

	if conf.ResourceCacheTTL.Duration > 0 {
		res = NewCachedResource(res, conf.ResourceCacheTTL.Duration)
	}
	return res, nil
}

// validResourceID rejects anything but a canonical uuid. Generated ids always
// are; anything else came from outside.
func validResourceID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("%w: malformed resource id %q", types.ErrInvalidParams, id)
	}
	return nil
}

// DBResource implements types.Resource on top of the task store.
type DBResource struct {
	store Store
}

func NewDBResource(store Store) *DBResource {
	return &DBResource{store: store}
}

func (r *DBResource) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	if err := validResourceID(resourceID); err != nil {
		return nil, err
	}

	res, err := r.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (r *DBResource) StoreResourceInfo(ctx context.Context, data []byte) (string, error) {
	res := &types.ResourceInfo{ID: uuid.New().String(), Data: normalizeData(data)}
	if err := r.store.PutResource(ctx, res); err != nil {
		return "", err
	}

	log.Debugf("stored resource %s (%s) in db", res.ID, humanize.Bytes(uint64(len(data))))
	return res.ID, nil
}

// FileResource implements types.Resource with one file per resource under a
// root directory.
type FileResource struct {
	root string
}

func NewFileResource(root string) (*FileResource, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: resource path required for %q resources", ErrInvalidResourceType, ResourceTypeFS)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		log.WithError(err).Error("error creating resource directory")
		return nil, types.StorageError(err)
	}

	return &FileResource{root: root}, nil
}

func (r *FileResource) makePath(resourceID string) (string, error) {
	if err := validResourceID(resourceID); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(r.root, resourceID)
}

func (r *FileResource) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	fn, err := r.makePath(resourceID)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(fn)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: resource %s", types.ErrNotFound, resourceID)
	}
	if err != nil {
		log.WithError(err).Errorf("error reading resource %s", resourceID)
		return nil, types.StorageError(err)
	}
	return normalizeData(data), nil
}

// StoreResourceInfo writes to a temporary file first so a crash never leaves
// a truncated resource behind under a valid id.
func (r *FileResource) StoreResourceInfo(ctx context.Context, data []byte) (string, error) {
	resourceID := uuid.New().String()

	fn, err := r.makePath(resourceID)
	if err != nil {
		return "", err
	}

	tmp, err := ioutil.TempFile(r.root, ".tmp-"+resourceID)
	if err != nil {
		log.WithError(err).Error("error creating temporary resource file")
		return "", types.StorageError(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		log.WithError(err).Errorf("error writing resource %s", resourceID)
		return "", types.StorageError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", types.StorageError(err)
	}
	if err := tmp.Close(); err != nil {
		return "", types.StorageError(err)
	}
	if err := os.Rename(tmp.Name(), fn); err != nil {
		log.WithError(err).Errorf("error moving resource %s into place", resourceID)
		return "", types.StorageError(err)
	}

	log.Debugf("stored resource %s (%s) in %s", resourceID, humanize.Bytes(uint64(len(data))), r.root)
	return resourceID, nil
}

// CachedResource keeps recently read resources in memory. Resources are
// immutable, so entries never need invalidating, only expiring.
type CachedResource struct {
	types.Resource

	cache *cache.Cache
}

func NewCachedResource(res types.Resource, ttl time.Duration) *CachedResource {
	return &CachedResource{
		Resource: res,
		cache:    cache.New(ttl, 2*ttl),
	}
}

func (r *CachedResource) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	if data, ok := r.cache.Get(resourceID); ok {
		return cloneBytes(data.([]byte)), nil
	}

	data, err := r.Resource.GetResourceInfo(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(resourceID, cloneBytes(data))
	return data, nil
}

// cloneBytes keeps callers from mutating cached entries.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
