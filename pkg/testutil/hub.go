// Package testutil provides an in-process fake model hub and tokenizer fixtures.
//
// Typical usage:
//
//	hub := testutil.NewFakeHub(t)
//	hub.AddRepo("org/name", testutil.Repo{SHA: testutil.MiniLMSHA, Files: testutil.MiniLMRepoFiles()})
//	client := registry.NewClient(hub.URL())
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Repo is a repository served by FakeHub at revision "main" and at its SHA.
type Repo struct {
	SHA   string
	Files map[string]string
	// Token, when set, must be presented as a bearer token.
	Token string
}

// FakeHub serves the subset of the hub HTTP API used for resolving and fetching files.
type FakeHub struct {
	server   *httptest.Server
	mu       sync.Mutex
	repos    map[string]Repo
	requests atomic.Int64
	fetches  atomic.Int64
}

// NewFakeHub starts a fake hub that is closed when the test ends.
func NewFakeHub(tb testing.TB) *FakeHub {
	tb.Helper()
	h := &FakeHub{repos: make(map[string]Repo)}
	h.server = httptest.NewServer(http.HandlerFunc(h.serveHTTP))
	tb.Cleanup(h.server.Close)
	return h
}

// URL is the hub endpoint.
func (h *FakeHub) URL() string { return h.server.URL }

// AddRepo registers or replaces a repository.
func (h *FakeHub) AddRepo(modelID string, repo Repo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repos[modelID] = repo
}

// Requests counts every request the hub received.
func (h *FakeHub) Requests() int { return int(h.requests.Load()) }

// Fetches counts full file downloads; range requests are not counted.
func (h *FakeHub) Fetches() int { return int(h.fetches.Load()) }

func (h *FakeHub) lookup(modelID, revision string) (Repo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, ok := h.repos[modelID]
	if !ok || (revision != "main" && revision != repo.SHA) {
		return Repo{}, false
	}
	return repo, true
}

func (h *FakeHub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)

	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/models/"); ok {
		modelID, revision, found := strings.Cut(rest, "/revision/")
		if !found {
			http.NotFound(w, r)
			return
		}
		repo, ok := h.authorize(w, r, modelID, revision)
		if !ok {
			return
		}
		h.writeInfo(w, modelID, repo)
		return
	}

	modelID, rest, found := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/resolve/")
	if !found {
		http.NotFound(w, r)
		return
	}
	revision, filename, _ := strings.Cut(rest, "/")
	repo, ok := h.authorize(w, r, modelID, revision)
	if !ok {
		return
	}
	content, ok := repo.Files[filename]
	if !ok {
		w.Header().Set("X-Error-Code", "EntryNotFound")
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}
	if r.Header.Get("Range") == "" {
		h.fetches.Add(1)
	}
	sum := sha256.Sum256([]byte(content))
	w.Header().Set("X-Repo-Commit", repo.SHA)
	w.Header().Set("X-Linked-Etag", `"`+hex.EncodeToString(sum[:])+`"`)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:20])+`"`)
	http.ServeContent(w, r, filename, time.Time{}, strings.NewReader(content))
}

func (h *FakeHub) authorize(w http.ResponseWriter, r *http.Request, modelID, revision string) (Repo, bool) {
	repo, ok := h.lookup(modelID, revision)
	if !ok {
		w.Header().Set("X-Error-Code", "RepoNotFound")
		http.Error(w, "Repository not found", http.StatusUnauthorized)
		return Repo{}, false
	}
	if repo.Token != "" && r.Header.Get("Authorization") != "Bearer "+repo.Token {
		w.Header().Set("X-Error-Code", "GatedRepo")
		http.Error(w, "Access to model is restricted", http.StatusUnauthorized)
		return Repo{}, false
	}
	return repo, true
}

func (h *FakeHub) writeInfo(w http.ResponseWriter, modelID string, repo Repo) {
	names := make([]string, 0, len(repo.Files))
	for name := range repo.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	type sibling struct {
		RFilename string `json:"rfilename"`
	}
	siblings := make([]sibling, 0, len(names))
	for _, n := range names {
		siblings = append(siblings, sibling{RFilename: n})
	}

	author := ""
	if i := strings.Index(modelID, "/"); i > 0 {
		author = modelID[:i]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"_id":          "fake",
		"id":           modelID,
		"modelId":      modelID,
		"author":       author,
		"sha":          repo.SHA,
		"lastModified": time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		"createdAt":    time.Date(2022, 3, 2, 0, 0, 0, 0, time.UTC),
		"gated":        false,
		"library_name": "sentence-transformers",
		"siblings":     siblings,
	})
}

// WriteFiles writes files below dir, creating parent directories.
func WriteFiles(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			tb.Fatalf("mkdir %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", p, err)
		}
	}
}
