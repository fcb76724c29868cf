package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
)

var _ api.Registry = (*CacheRegistry)(nil)

// CacheRegistry serves revisions already present in a local store, for offline runs.
type CacheRegistry struct {
	store api.Distribution
}

// NewCacheRegistry wraps store.
func NewCacheRegistry(store api.Distribution) *CacheRegistry {
	return &CacheRegistry{store: store}
}

func (c *CacheRegistry) RepoInfo(ctx context.Context, modelID, revision string) (model.ModelIndexInfo, error) {
	if err := ctx.Err(); err != nil {
		return model.ModelIndexInfo{}, err
	}
	info, err := c.store.RepoInfo(modelID, revision)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return model.ModelIndexInfo{}, fmt.Errorf("offline: %w", err)
		}
		return model.ModelIndexInfo{}, err
	}
	return *info, nil
}

func (c *CacheRegistry) Fetch(ctx context.Context, modelID, sha, filename string) (*api.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.store.GetFile(modelID, sha, filename)
	if err != nil {
		return nil, err
	}
	size := int64(-1)
	if info, ok := c.store.FileExists(modelID, sha, filename); ok {
		size = info.Size()
	}
	return &api.Blob{
		Body: f,
		ETag: c.store.FileEtag(modelID, sha, filename),
		Size: size,
	}, nil
}
