package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/cache"
)

const (
	testModel = "sentence-transformers/all-MiniLM-L6-v2"
	testSHA   = "c9745ed1d9f207416be6d2e6f8de32d1f16199bf"
)

func TestClientRepoInfo(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(model.ModelIndexInfo{
			ID:       testModel,
			SHA:      testSHA,
			Siblings: []model.SiblingFile{{RFilename: "vocab.txt"}, {RFilename: "config.json"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("hf_secret"))
	info, err := c.RepoInfo(context.Background(), testModel, "main")
	require.NoError(t, err)

	assert.Equal(t, "Bearer hf_secret", gotAuth)
	assert.Equal(t, "/api/models/"+testModel+"/revision/main", gotPath)
	assert.Equal(t, testSHA, info.SHA)
	assert.Equal(t, testModel, info.ModelID)
	assert.Equal(t, []string{"config.json", "vocab.txt"}, info.Filenames())
}

func TestClientRepoInfoWithoutTokenSendsNoAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"x","siblings":[]}`))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL).RepoInfo(context.Background(), "x", "v1.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.0", info.SHA)
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errorCode string
		want      error
	}{
		{name: "repo not found behind 401", status: http.StatusUnauthorized, errorCode: "RepoNotFound", want: api.ErrNotFound},
		{name: "revision not found", status: http.StatusNotFound, errorCode: "RevisionNotFound", want: api.ErrNotFound},
		{name: "plain 404", status: http.StatusNotFound, want: api.ErrNotFound},
		{name: "gated", status: http.StatusForbidden, errorCode: "GatedRepo", want: api.ErrAccessDenied},
		{name: "unauthorized", status: http.StatusUnauthorized, want: api.ErrAccessDenied},
		{name: "server error", status: http.StatusBadGateway, want: api.ErrUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.errorCode != "" {
					w.Header().Set("X-Error-Code", tt.errorCode)
				}
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).RepoInfo(context.Background(), testModel, "main")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).RepoInfo(context.Background(), testModel, "main")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnreachable), "got %v", err)
}

func TestClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+testModel+"/resolve/"+testSHA+"/onnx/tokenizer.json", r.URL.Path)
		w.Header().Set("ETag", `"gitsha"`)
		w.Header().Set("X-Linked-Etag", `"lfs-digest"`)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	blob, err := NewClient(srv.URL).Fetch(context.Background(), testModel, testSHA, "onnx/tokenizer.json")
	require.NoError(t, err)
	defer blob.Body.Close()

	assert.Equal(t, "lfs-digest", blob.ETag)
	assert.EqualValues(t, 2, blob.Size)
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestClientFetchWithProgress(t *testing.T) {
	payload := strings.Repeat("x", 1<<16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	var progress bytes.Buffer
	blob, err := NewClient(srv.URL, WithProgress(&progress)).Fetch(context.Background(), testModel, testSHA, "vocab.txt")
	require.NoError(t, err)

	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	require.NoError(t, blob.Body.Close())
	assert.Equal(t, payload, string(data))
	assert.Equal(t, "abc", blob.ETag)
}

func TestClientFetchMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Error-Code", "EntryNotFound")
		http.Error(w, "Entry not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Fetch(context.Background(), testModel, testSHA, "vocab.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestEscapeFilename(t *testing.T) {
	assert.Equal(t, "onnx/tokenizer.json", escapeFilename("onnx/tokenizer.json"))
	assert.Equal(t, "a%20b/c%3Fd.txt", escapeFilename("a b/c?d.txt"))
}

func TestCacheRegistry(t *testing.T) {
	store, err := cache.NewStorage(t.TempDir())
	require.NoError(t, err)
	reg := NewCacheRegistry(store)

	_, err = reg.RepoInfo(context.Background(), testModel, "main")
	assert.True(t, errors.Is(err, api.ErrNotFound))

	require.NoError(t, store.WriteRef(testModel, "main", testSHA))
	_, err = store.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader("[UNK]\n"))
	require.NoError(t, err)

	info, err := reg.RepoInfo(context.Background(), testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, testSHA, info.SHA)

	blob, err := reg.Fetch(context.Background(), testModel, testSHA, "vocab.txt")
	require.NoError(t, err)
	defer blob.Body.Close()
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "[UNK]\n", string(data))
	assert.EqualValues(t, 6, blob.Size)
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := cache.NewStorage(t.TempDir())
	require.NoError(t, err)

	reg, err := New(Options{Type: api.HTTPRegistry, Endpoint: "http://mirror.local"}, store)
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.local", reg.(*Client).Endpoint())

	reg, err = New(Options{Type: api.CacheRegistry}, store)
	require.NoError(t, err)
	assert.IsType(t, &CacheRegistry{}, reg)

	_, err = New(Options{Type: api.RegistryType(42)}, store)
	assert.Error(t, err)
}
