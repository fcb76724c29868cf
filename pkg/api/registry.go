package api

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lengrongfu/tokfetch/pkg/api/model"
)

// RegistryType represents the type of registry backend
type RegistryType int

const (
	// HTTPRegistry talks to a hub compatible HTTP API directly
	HTTPRegistry RegistryType = iota
	// HubRegistry delegates to the hf-hub client library
	HubRegistry
	// CacheRegistry resolves from the local cache only
	CacheRegistry
)

func (t RegistryType) String() string {
	switch t {
	case HTTPRegistry:
		return "http"
	case HubRegistry:
		return "hfhub"
	case CacheRegistry:
		return "cache"
	default:
		return fmt.Sprintf("RegistryType(%d)", int(t))
	}
}

// ParseRegistryType maps a config value to a RegistryType.
func ParseRegistryType(s string) (RegistryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return HTTPRegistry, nil
	case "hfhub", "hf-hub":
		return HubRegistry, nil
	case "cache", "offline":
		return CacheRegistry, nil
	default:
		return 0, fmt.Errorf("invalid registry type %q (expected http|hfhub|cache)", s)
	}
}

// Blob is a single repository file being fetched.
type Blob struct {
	Body io.ReadCloser
	// ETag identifies the content; a sha256 hex digest for LFS files.
	ETag string
	// Size is -1 when unknown.
	Size int64
}

// Registry resolves identifiers to repository revisions and fetches their files.
type Registry interface {
	// RepoInfo resolves a revision and lists the repository files
	RepoInfo(ctx context.Context, modelID, revision string) (model.ModelIndexInfo, error)
	// Fetch opens a single file of a resolved revision
	Fetch(ctx context.Context, modelID, sha, filename string) (*Blob, error)
}

// Distribution is implemented by local stores that can serve cached repositories
type Distribution interface {
	// RepoInfo gets repository information for a model
	RepoInfo(modelID, version string) (*model.ModelIndexInfo, error)
	// RepoSha gets the SHA for a revision, falling back to the revision itself
	RepoSha(modelID, version string) string
	// FileExists checks if a file exists
	FileExists(modelID, sha, filename string) (os.FileInfo, bool)
	// FileEtag gets the ETag for a file
	FileEtag(modelID, sha, filename string) string
	// GetFile opens a file for reading
	GetFile(modelID, sha, filename string) (io.ReadSeekCloser, error)
}
