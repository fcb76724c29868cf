package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	shaHexPattern  = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)
	commitPattern  = regexp.MustCompile(`^[a-f0-9]{40}$`)
	etagPattern    = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// ConvertModelIDToHFPath converts a model ID like "sentence-transformers/all-MiniLM-L6-v2" to the
// Hugging Face cache path format like "models--sentence-transformers--all-MiniLM-L6-v2"
func ConvertModelIDToHFPath(modelID string) string {
	// Replace slashes with double dashes
	return "models--" + strings.ReplaceAll(modelID, "/", "--")
}

// ValidateModelID checks that modelID is "name" or "org/name" and safe to use as a path.
func ValidateModelID(modelID string) error {
	if modelID == "" {
		return fmt.Errorf("model id is empty")
	}
	parts := strings.Split(modelID, "/")
	if len(parts) > 2 {
		return fmt.Errorf("model id %q has more than one '/'", modelID)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("model id %q has an empty segment", modelID)
		}
		if p == "." || p == ".." || strings.Contains(p, "--") {
			return fmt.Errorf("model id %q has an invalid segment %q", modelID, p)
		}
		if !segmentPattern.MatchString(p) {
			return fmt.Errorf("model id %q contains invalid characters", modelID)
		}
	}
	return nil
}

// NormalizeETag strips quotes and the weak prefix from an ETag header value.
func NormalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "\"")
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")
	return v
}

// IsSHA256Hex reports whether v looks like a hex encoded sha256 digest.
func IsSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

// IsCommitSHA reports whether v is a full git commit hash.
func IsCommitSHA(v string) bool {
	return commitPattern.MatchString(v)
}

// IsBlobName reports whether a normalized ETag can name a blob file.
func IsBlobName(etag string) bool {
	return etagPattern.MatchString(etag)
}

// IsPathSegment reports whether v names a single directory entry.
func IsPathSegment(v string) bool {
	return v != "" && v != "." && v != ".." && !strings.ContainsAny(v, "/\\\x00")
}

// IsRelativePath reports whether name is a slash separated path that stays
// below the directory it is joined to. Revisions such as "refs/pr/1" qualify.
func IsRelativePath(name string) bool {
	if name == "" || strings.ContainsAny(name, "\\\x00") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// IsWithin reports whether path is root or lies below it.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}
