package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/cache"
	"github.com/lengrongfu/tokfetch/pkg/testutil"
)

func newTestHubRegistry(t *testing.T, endpoint, token string) *HubRegistry {
	t.Helper()
	// Keep the library away from a token file in the real home directory.
	t.Setenv("HF_HOME", t.TempDir())
	t.Setenv("HF_ENDPOINT", "http://127.0.0.1:1")
	reg, err := NewHubRegistry(filepath.Join(t.TempDir(), "hub"), endpoint, token, false, zerolog.Nop())
	require.NoError(t, err)
	return reg
}

func TestHubRegistryRepoInfo(t *testing.T) {
	hub := testutil.NewFakeHub(t)
	hub.AddRepo(testModel, testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMRepoFiles()})
	reg := newTestHubRegistry(t, hub.URL()+"/", "")

	info, err := reg.RepoInfo(context.Background(), testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, testutil.MiniLMSHA, info.SHA)
	assert.Equal(t, testModel, info.ModelID)
	assert.Len(t, info.Siblings, len(testutil.MiniLMRepoFiles()))
	assert.Contains(t, info.Filenames(), "tokenizer.json")

	pinned, err := reg.RepoInfo(context.Background(), testModel, testutil.MiniLMSHA)
	require.NoError(t, err)
	assert.Equal(t, testutil.MiniLMSHA, pinned.SHA)
	assert.Equal(t, 2, hub.Requests())
}

func TestHubRegistryRepoInfoErrors(t *testing.T) {
	hub := testutil.NewFakeHub(t)
	hub.AddRepo(testModel, testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMRepoFiles()})
	reg := newTestHubRegistry(t, hub.URL(), "")

	_, err := reg.RepoInfo(context.Background(), "nobody/nothing", "main")
	assert.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)

	_, err = reg.RepoInfo(context.Background(), testModel, "v9.9")
	assert.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)

	unreachable := newTestHubRegistry(t, "http://127.0.0.1:1", "")
	_, err = unreachable.RepoInfo(context.Background(), testModel, "main")
	assert.True(t, errors.Is(err, api.ErrUnreachable), "got %v", err)
}

func TestHubRegistryFetch(t *testing.T) {
	hub := testutil.NewFakeHub(t)
	hub.AddRepo(testModel, testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMRepoFiles()})
	reg := newTestHubRegistry(t, hub.URL(), "")

	want := testutil.MiniLMBundle()["vocab.txt"]
	blob, err := reg.Fetch(context.Background(), testModel, testutil.MiniLMSHA, "vocab.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, blob.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
	assert.EqualValues(t, len(want), blob.Size)

	sum := sha256.Sum256([]byte(want))
	assert.Equal(t, hex.EncodeToString(sum[:]), blob.ETag)
	assert.Equal(t, 1, hub.Fetches())

	// The library answers the second request from its own cache.
	blob, err = reg.Fetch(context.Background(), testModel, testutil.MiniLMSHA, "vocab.txt")
	require.NoError(t, err)
	blob.Body.Close()
	assert.Equal(t, 1, hub.Fetches())
	assert.FileExists(t, filepath.Join(reg.CacheDir(), "models--sentence-transformers--all-MiniLM-L6-v2", "refs", testutil.MiniLMSHA))

	_, err = reg.Fetch(context.Background(), testModel, testutil.MiniLMSHA, "missing.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)
}

func TestHubRegistryFetchSendsToken(t *testing.T) {
	hub := testutil.NewFakeHub(t)
	hub.AddRepo("org/gated", testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMBundle(), Token: "hf_ok"})

	_, err := newTestHubRegistry(t, hub.URL(), "").Fetch(context.Background(), "org/gated", testutil.MiniLMSHA, "vocab.txt")
	assert.True(t, errors.Is(err, api.ErrAccessDenied), "got %v", err)

	blob, err := newTestHubRegistry(t, hub.URL(), "hf_ok").Fetch(context.Background(), "org/gated", testutil.MiniLMSHA, "vocab.txt")
	require.NoError(t, err)
	blob.Body.Close()
}

func TestHubRegistryLeavesEnvironmentAlone(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HF_HOME", home)
	_, err := NewHubRegistry(filepath.Join(t.TempDir(), "hub"), "http://mirror.local", "", false, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, home, os.Getenv("HF_HOME"))
}

func TestNewHubBackendUsesEndpointAndCacheDir(t *testing.T) {
	t.Setenv("HF_HOME", t.TempDir())
	hub := testutil.NewFakeHub(t)
	hub.AddRepo(testModel, testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMRepoFiles()})
	store, err := cache.NewStorage(t.TempDir())
	require.NoError(t, err)

	reg, err := New(Options{Type: api.HubRegistry, Endpoint: hub.URL(), Logger: zerolog.Nop()}, store)
	require.NoError(t, err)
	hubReg := reg.(*HubRegistry)
	assert.Equal(t, filepath.Join(filepath.Dir(store.BaseDir()), "hf-hub", "hub"), hubReg.CacheDir())

	info, err := reg.RepoInfo(context.Background(), testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, testutil.MiniLMSHA, info.SHA)
}
