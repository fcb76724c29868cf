package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
)

const (
	testModel = "sentence-transformers/all-MiniLM-L6-v2"
	testSHA   = "c9745ed1d9f207416be6d2e6f8de32d1f16199bf"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewStorageCreatesHubDir(t *testing.T) {
	root := t.TempDir()
	s, err := NewStorage(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "hub"), s.BaseDir())
	assert.DirExists(t, s.BaseDir())
}

func TestStoreFileLinksSnapshotToBlob(t *testing.T) {
	s := newTestStorage(t)
	content := `{"do_lower_case": true}`

	path, err := s.StoreFile(testModel, testSHA, "tokenizer_config.json", `"abc123"`, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, s.SnapshotPath(testModel, testSHA, "tokenizer_config.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	assert.FileExists(t, filepath.Join(s.BaseDir(), "models--sentence-transformers--all-MiniLM-L6-v2", "blobs", "abc123"))
	if etag := s.FileEtag(testModel, testSHA, "tokenizer_config.json"); etag != "" {
		assert.Equal(t, "abc123", etag)
	}

	info, ok := s.FileExists(testModel, testSHA, "tokenizer_config.json")
	require.True(t, ok)
	assert.EqualValues(t, len(content), info.Size())
}

func TestStoreFileWithoutEtagUsesContentDigest(t *testing.T) {
	s := newTestStorage(t)
	content := "[PAD]\n[UNK]\n"

	_, err := s.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader(content))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(s.BaseDir(), "models--sentence-transformers--all-MiniLM-L6-v2", "blobs", sha256Hex(content)))
}

func TestStoreFileRejectsSHA256Mismatch(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.StoreFile(testModel, testSHA, "tokenizer.json", sha256Hex("other"), strings.NewReader("content"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrChecksumMismatch))

	_, ok := s.FileExists(testModel, testSHA, "tokenizer.json")
	assert.False(t, ok)
}

func TestStoreFileAcceptsMatchingSHA256(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.StoreFile(testModel, testSHA, "tokenizer.json", `W/"`+sha256Hex("content")+`"`, strings.NewReader("content"))
	require.NoError(t, err)
}

func TestStoreFileNestedPath(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.StoreFile(testModel, testSHA, "onnx/tokenizer.json", "", strings.NewReader("{}"))
	require.NoError(t, err)

	files, err := s.ListFiles(testModel, testSHA)
	require.NoError(t, err)
	assert.Equal(t, []string{"onnx/tokenizer.json"}, files)

	f, err := s.GetFile(testModel, testSHA, "onnx/tokenizer.json")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestGetFileMissing(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetFile(testModel, testSHA, "vocab.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestRefs(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Ref(testModel, "main")
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.Equal(t, "main", s.RepoSha(testModel, "main"))

	require.NoError(t, s.WriteRef(testModel, "main", testSHA))
	sha, err := s.Ref(testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, testSHA, sha)
	assert.Equal(t, testSHA, s.RepoSha(testModel, "main"))
}

func TestRefResolvesCachedCommit(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader("a\n"))
	require.NoError(t, err)

	sha, err := s.Ref(testModel, testSHA)
	require.NoError(t, err)
	assert.Equal(t, testSHA, sha)
}

func TestRepoInfoPrefersStoredIndexForSameSHA(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WriteRef(testModel, "main", testSHA))
	_, err := s.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader("a\n"))
	require.NoError(t, err)

	stored := model.ModelIndexInfo{
		ID:       testModel,
		SHA:      testSHA,
		Author:   "sentence-transformers",
		Siblings: []model.SiblingFile{{RFilename: "vocab.txt"}, {RFilename: "model.safetensors"}},
	}
	require.NoError(t, s.WriteRepoInfo(testModel, stored))

	info, err := s.RepoInfo(testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"model.safetensors", "vocab.txt"}, info.Filenames())
}

func TestRepoInfoRebuildsFromSnapshot(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WriteRef(testModel, "main", testSHA))
	_, err := s.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader("abc\n"))
	require.NoError(t, err)

	require.NoError(t, s.WriteRepoInfo(testModel, model.ModelIndexInfo{ID: testModel, SHA: "stale"}))

	info, err := s.RepoInfo(testModel, "main")
	require.NoError(t, err)
	assert.Equal(t, testSHA, info.SHA)
	assert.Equal(t, "sentence-transformers", info.Author)
	assert.Equal(t, []string{"vocab.txt"}, info.Filenames())
	assert.EqualValues(t, 4, info.UsedStorage)
}

func TestStoreFileRejectsNamesLeavingTheRepo(t *testing.T) {
	work := t.TempDir()
	s, err := NewStorage(filepath.Join(work, "cache"))
	require.NoError(t, err)

	_, err = s.StoreFile(testModel, testSHA, "vocab.txt", `"../../../../ESCAPED_BLOB"`, strings.NewReader("x"))
	assert.True(t, errors.Is(err, api.ErrChecksumMismatch), "got %v", err)

	_, err = s.StoreFile(testModel, "../../../../SHA_ESCAPE", "vocab.txt", "", strings.NewReader("x"))
	assert.True(t, errors.Is(err, api.ErrInvalidResponse), "got %v", err)

	for _, name := range []string{"../../../../FILE_ESCAPE.model", "/etc/FILE_ESCAPE", "a/../../b"} {
		_, err = s.StoreFile(testModel, testSHA, name, "", strings.NewReader("x"))
		assert.True(t, errors.Is(err, api.ErrInvalidResponse), "%s: got %v", name, err)
	}

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0].Name())
	assert.NoDirExists(t, filepath.Join(s.BaseDir(), "models--sentence-transformers--all-MiniLM-L6-v2", "blobs"))
}

func TestUnsafeKeysReadAsMissing(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.StoreFile(testModel, testSHA, "vocab.txt", "", strings.NewReader("[UNK]\n"))
	require.NoError(t, err)

	_, ok := s.FileExists(testModel, testSHA, "../"+testSHA+"/vocab.txt")
	assert.False(t, ok)
	_, err = s.GetFile(testModel, "..", "snapshots/"+testSHA+"/vocab.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = s.ListFiles(testModel, "../snapshots")
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = s.Ref(testModel, "../../other")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestWriteRefValidatesNames(t *testing.T) {
	s := newTestStorage(t)
	assert.True(t, errors.Is(s.WriteRef(testModel, "../../escape", testSHA), api.ErrInvalidIdentifier))
	assert.True(t, errors.Is(s.WriteRef(testModel, "main", "../x"), api.ErrInvalidResponse))

	require.NoError(t, s.WriteRef(testModel, "refs/pr/1", testSHA))
	sha, err := s.Ref(testModel, "refs/pr/1")
	require.NoError(t, err)
	assert.Equal(t, testSHA, sha)
}
