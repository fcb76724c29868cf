package registry

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/cache"
)

// Options selects and configures a registry backend.
type Options struct {
	Type     api.RegistryType
	Endpoint string
	Token    string
	Timeout  time.Duration
	// Progress receives download progress bars; nil disables them.
	Progress io.Writer
	Logger   zerolog.Logger
}

// New builds the registry backend named by opts.Type.
func New(opts Options, store *cache.Storage) (api.Registry, error) {
	switch opts.Type {
	case api.HTTPRegistry:
		clientOpts := []ClientOption{WithToken(opts.Token)}
		if opts.Timeout > 0 {
			clientOpts = append(clientOpts, WithTimeout(opts.Timeout))
		}
		if opts.Progress != nil {
			clientOpts = append(clientOpts, WithProgress(opts.Progress))
		}
		return NewClient(opts.Endpoint, clientOpts...), nil
	case api.HubRegistry:
		cacheDir := filepath.Join(filepath.Dir(store.BaseDir()), "hf-hub", "hub")
		return NewHubRegistry(cacheDir, opts.Endpoint, opts.Token, opts.Progress != nil, opts.Logger)
	case api.CacheRegistry:
		return NewCacheRegistry(store), nil
	default:
		return nil, fmt.Errorf("invalid registry type: %d", opts.Type)
	}
}
