package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertModelIDToHFPath(t *testing.T) {
	assert.Equal(t, "models--sentence-transformers--all-MiniLM-L6-v2", ConvertModelIDToHFPath("sentence-transformers/all-MiniLM-L6-v2"))
	assert.Equal(t, "models--gpt2", ConvertModelIDToHFPath("gpt2"))
}

func TestValidateModelID(t *testing.T) {
	for _, ok := range []string{"gpt2", "sentence-transformers/all-MiniLM-L6-v2", "org/name.v1_2"} {
		assert.NoError(t, ValidateModelID(ok), ok)
	}
	for _, bad := range []string{"", "/gpt2", "gpt2/", "a/b/c", "../etc", "org/..", "org/na me", "org/a--b", "org\\name"} {
		assert.Error(t, ValidateModelID(bad), bad)
	}
}

func TestNormalizeETag(t *testing.T) {
	got := NormalizeETag(`W/"58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"`)
	want := "58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"
	assert.Equal(t, want, got)
	assert.True(t, IsSHA256Hex(got))
	assert.Equal(t, "abc", NormalizeETag(` "abc" `))
}

func TestIsCommitSHA(t *testing.T) {
	assert.True(t, IsCommitSHA("c9745ed1d9f207416be6d2e6f8de32d1f16199bf"))
	assert.False(t, IsCommitSHA("main"))
	assert.False(t, IsCommitSHA("C9745ED1D9F207416BE6D2E6F8DE32D1F16199BF"))
}

func TestIsBlobName(t *testing.T) {
	assert.True(t, IsBlobName("58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"))
	assert.True(t, IsBlobName("c9745ed1d9f207416be6d2e6f8de32d1f16199bf"))
	for _, bad := range []string{"", "../../../../ESCAPED_BLOB", "a/b", "abc-123", "..", "a\x00"} {
		assert.False(t, IsBlobName(bad), bad)
	}
}

func TestIsPathSegment(t *testing.T) {
	assert.True(t, IsPathSegment("c9745ed1d9f207416be6d2e6f8de32d1f16199bf"))
	assert.True(t, IsPathSegment("main"))
	for _, bad := range []string{"", ".", "..", "../../../../SHA_ESCAPE", "refs/pr/1", `a\b`} {
		assert.False(t, IsPathSegment(bad), bad)
	}
}

func TestIsRelativePath(t *testing.T) {
	for _, ok := range []string{"vocab.txt", "onnx/tokenizer.json", "refs/pr/1", "..hidden"} {
		assert.True(t, IsRelativePath(ok), ok)
	}
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", "a//b", "a/./b", "dir/", `a\..\b`} {
		assert.False(t, IsRelativePath(bad), bad)
	}
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "cache", "hub")
	assert.True(t, IsWithin(root, root))
	assert.True(t, IsWithin(root, filepath.Join(root, "blobs", "abc")))
	assert.True(t, IsWithin(root, filepath.Join(root, "..data")))
	assert.False(t, IsWithin(root, filepath.Join(root, "..", "ESCAPED")))
	assert.False(t, IsWithin(root, filepath.Dir(root)))
}
