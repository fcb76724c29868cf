package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hfapi "github.com/lengrongfu/hf-hub/api"
	"github.com/rs/zerolog"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/utils"
)

var _ api.Registry = (*HubRegistry)(nil)

// HubRegistry resolves through the hf-hub client library. The library keeps its
// own cache under cacheDir; files are copied from there into the tokfetch cache.
type HubRegistry struct {
	client   *hfapi.Api
	cacheDir string
	logger   zerolog.Logger
}

// NewHubRegistry builds an hf-hub client for endpoint that caches below cacheDir.
// An empty token keeps whatever token the library found in its default location.
func NewHubRegistry(cacheDir, endpoint, token string, progress bool, logger zerolog.Logger) (*HubRegistry, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, &api.IOError{Op: "create hf-hub cache", Path: cacheDir, Err: err}
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	builder, err := hfapi.NewApiBuilder()
	if err != nil {
		return nil, fmt.Errorf("failed to create Hugging Face client: %w", err)
	}
	builder = builder.
		WithEndpoint(strings.TrimRight(endpoint, "/")).
		WithCacheDir(cacheDir).
		WithProgress(progress)
	if token != "" {
		builder = builder.WithToken(token)
	}

	logger.Debug().Str("endpoint", endpoint).Str("cache", cacheDir).Msg("hf-hub client ready")
	return &HubRegistry{client: builder.Build(), cacheDir: cacheDir, logger: logger}, nil
}

// CacheDir returns the directory the library downloads into.
func (h *HubRegistry) CacheDir() string {
	return h.cacheDir
}

// RepoInfo lists the files of revision and the commit it points at.
// The library sends this request without credentials.
func (h *HubRegistry) RepoInfo(ctx context.Context, modelID, revision string) (model.ModelIndexInfo, error) {
	if err := ctx.Err(); err != nil {
		return model.ModelIndexInfo{}, err
	}

	repo := h.client.Repo(hfapi.NewRepoWithRevision(modelID, hfapi.Model, revision))
	resp, err := repo.InfoRequest()
	if err != nil {
		return model.ModelIndexInfo{}, fmt.Errorf("failed to send request: %w", errors.Join(err, api.ErrUnreachable))
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, modelID+"@"+revision); err != nil {
		return model.ModelIndexInfo{}, err
	}

	var info hfapi.RepoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return model.ModelIndexInfo{}, fmt.Errorf("failed to parse model index: %w", err)
	}
	if info.Sha == "" {
		return model.ModelIndexInfo{}, fmt.Errorf("%s@%s: response names no commit: %w", modelID, revision, api.ErrInvalidResponse)
	}

	out := model.ModelIndexInfo{
		ID:      modelID,
		ModelID: modelID,
		SHA:     info.Sha,
	}
	for _, sibling := range info.Siblings {
		if strings.HasSuffix(sibling.Rfilename, "/") {
			continue
		}
		out.Siblings = append(out.Siblings, model.SiblingFile{RFilename: sibling.Rfilename})
	}
	return out, nil
}

// Fetch downloads filename of commit sha into the hf-hub cache and opens the
// cached copy. Blob.ETag is the name of the blob the library stored it under.
func (h *HubRegistry) Fetch(ctx context.Context, modelID, sha, filename string) (*api.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.logger.Debug().Str("model", modelID).Str("sha", sha).Str("file", filename).Msg("fetching through hf-hub")
	// The library keeps per-download state on the client.
	repo := h.client.Clone().Repo(hfapi.NewRepoWithRevision(modelID, hfapi.Model, sha))
	path, err := repo.Get(filename)
	if err != nil {
		return nil, classifyHubError(modelID+"/"+filename, err)
	}
	if !h.contains(path) {
		return nil, fmt.Errorf("%s: downloaded outside %s: %w", filename, h.cacheDir, api.ErrInvalidResponse)
	}

	etag := ""
	if target, err := os.Readlink(path); err == nil {
		etag = filepath.Base(target)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &api.IOError{Op: "open", Path: path, Err: err}
	}
	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return &api.Blob{Body: f, ETag: etag, Size: size}, nil
}

func (h *HubRegistry) contains(path string) bool {
	root, err := filepath.Abs(h.cacheDir)
	if err != nil {
		return false
	}
	return utils.IsWithin(root, path)
}

// classifyHubError maps the library's textual errors onto api error kinds.
func classifyHubError(what string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %v: %w", what, err, api.ErrNotFound)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%s: %v: %w", what, err, api.ErrNotFound)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return fmt.Errorf("%s: %v: %w", what, err, api.ErrAccessDenied)
	default:
		return fmt.Errorf("%s: %v: %w", what, err, api.ErrUnreachable)
	}
}
