package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/utils"
)

const modelIndexFile = ".modeindex"

var _ api.Distribution = (*Storage)(nil)

// Storage is a Hugging Face style cache rooted at <baseDir>/hub:
//
//	models--org--name/blobs/<etag>
//	models--org--name/refs/<revision>
//	models--org--name/snapshots/<sha>/<file> -> ../../blobs/<etag>
type Storage struct {
	// Base directory for file storage
	baseDir string
}

// NewStorage creates a new file storage
func NewStorage(baseDir string) (*Storage, error) {
	baseDir = filepath.Join(baseDir, "hub")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &api.IOError{Op: "create cache dir", Path: baseDir, Err: err}
	}
	return &Storage{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the hub directory of the cache.
func (s *Storage) BaseDir() string {
	return s.baseDir
}

func (s *Storage) repoDir(modelID string) string {
	return filepath.Join(s.baseDir, utils.ConvertModelIDToHFPath(modelID))
}

// SnapshotPath returns where filename of commit sha lives in the cache.
func (s *Storage) SnapshotPath(modelID, sha, filename string) string {
	return filepath.Join(s.repoDir(modelID), "snapshots", sha, filepath.FromSlash(filename))
}

// StoreFile streams content into blobs/<etag> and links it from the snapshot of sha.
// An empty etag names the blob by the sha256 of its content. When etag is a
// sha256 digest the content must hash to it.
//
// sha must be a single path segment, filename a relative path and a non-empty
// etag alphanumeric; anything else is refused before touching the disk.
func (s *Storage) StoreFile(modelID, sha, filename, etag string, content io.Reader) (string, error) {
	if err := checkKey(sha, filename); err != nil {
		return "", err
	}
	etag = utils.NormalizeETag(etag)
	if etag != "" && !utils.IsBlobName(etag) {
		return "", fmt.Errorf("%s: unusable etag %q: %w", filename, etag, api.ErrChecksumMismatch)
	}

	blobDir := filepath.Join(s.repoDir(modelID), "blobs")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return "", &api.IOError{Op: "create blob dir", Path: blobDir, Err: err}
	}

	tmp, err := os.CreateTemp(blobDir, ".incomplete-*")
	if err != nil {
		return "", &api.IOError{Op: "create blob", Path: blobDir, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), content); err != nil {
		tmp.Close()
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return "", &api.IOError{Op: "write blob", Path: tmpPath, Err: err}
		}
		return "", fmt.Errorf("read %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", &api.IOError{Op: "close blob", Path: tmpPath, Err: err}
	}

	digest := hex.EncodeToString(h.Sum(nil))
	switch {
	case etag == "":
		etag = digest
	case utils.IsSHA256Hex(etag) && !strings.EqualFold(etag, digest):
		return "", fmt.Errorf("%s: expected sha256 %s got %s: %w", filename, etag, digest, api.ErrChecksumMismatch)
	}

	blobPath := filepath.Join(blobDir, etag)
	if err := os.Rename(tmpPath, blobPath); err != nil {
		return "", &api.IOError{Op: "move blob into place", Path: blobPath, Err: err}
	}

	dest := s.SnapshotPath(modelID, sha, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", &api.IOError{Op: "create snapshot dir", Path: filepath.Dir(dest), Err: err}
	}
	if err := symlinkOrCopy(blobPath, dest); err != nil {
		return "", &api.IOError{Op: "link snapshot file", Path: dest, Err: err}
	}
	return dest, nil
}

// checkKey rejects a commit or file name that would resolve outside its snapshot.
func checkKey(sha, filename string) error {
	if !utils.IsPathSegment(sha) {
		return fmt.Errorf("commit %q: %w", sha, api.ErrInvalidResponse)
	}
	if !utils.IsRelativePath(filename) {
		return fmt.Errorf("file name %q: %w", filename, api.ErrInvalidResponse)
	}
	return nil
}

// symlinkOrCopy points dest at blob with a relative link, copying when links are unsupported.
func symlinkOrCopy(blob, dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	rel, err := filepath.Rel(filepath.Dir(dest), blob)
	if err == nil {
		if err = os.Symlink(rel, dest); err == nil {
			return nil
		}
	}
	src, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// GetFile retrieves a file from the file storage
func (s *Storage) GetFile(modelID, sha, filename string) (io.ReadSeekCloser, error) {
	if checkKey(sha, filename) != nil {
		return nil, fmt.Errorf("%s/%s: %w", modelID, filename, api.ErrNotFound)
	}
	filePath := s.SnapshotPath(modelID, sha, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", modelID, filename, api.ErrNotFound)
		}
		return nil, &api.IOError{Op: "open", Path: filePath, Err: err}
	}
	return file, nil
}

// FileExists checks if a file exists in the file storage
func (s *Storage) FileExists(modelID, sha, filename string) (os.FileInfo, bool) {
	if checkKey(sha, filename) != nil {
		return nil, false
	}
	// Stat follows the snapshot link so dangling links count as missing.
	info, err := os.Stat(s.SnapshotPath(modelID, sha, filename))
	if err != nil || info.IsDir() {
		return nil, false
	}
	return info, true
}

// ListFiles lists the files of a snapshot using forward slashes
func (s *Storage) ListFiles(modelID, sha string) ([]string, error) {
	if !utils.IsPathSegment(sha) {
		return nil, fmt.Errorf("snapshot %q of %s: %w", sha, modelID, api.ErrNotFound)
	}
	snapshotDir := filepath.Join(s.repoDir(modelID), "snapshots", sha)
	if _, err := os.Stat(snapshotDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot %s of %s: %w", sha, modelID, api.ErrNotFound)
	}

	var files []string
	err := filepath.WalkDir(snapshotDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(snapshotDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, &api.IOError{Op: "walk snapshot", Path: snapshotDir, Err: err}
	}
	sort.Strings(files)
	return files, nil
}

// RepoInfo returns the stored .modeindex when it describes the revision,
// otherwise an index rebuilt from the snapshot on disk.
func (s *Storage) RepoInfo(modelID, version string) (*model.ModelIndexInfo, error) {
	sha, err := s.getRepoSha(modelID, version)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.repoDir(modelID), modelIndexFile))
	if err == nil {
		var info model.ModelIndexInfo
		if err := json.Unmarshal(data, &info); err == nil && info.SHA == sha {
			return &info, nil
		}
	}
	return s.buildModelIndex(modelID, sha)
}

// WriteRepoInfo persists info as the .modeindex of its repository.
func (s *Storage) WriteRepoInfo(modelID string, info model.ModelIndexInfo) error {
	dir := s.repoDir(modelID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &api.IOError{Op: "create repo dir", Path: dir, Err: err}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model index: %w", err)
	}
	path := filepath.Join(dir, modelIndexFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &api.IOError{Op: "write model index", Path: path, Err: err}
	}
	return nil
}

func (s *Storage) buildModelIndex(modelID, sha string) (*model.ModelIndexInfo, error) {
	files, err := s.ListFiles(modelID, sha)
	if err != nil {
		return nil, err
	}

	var totalSize int64
	siblings := make([]model.SiblingFile, 0, len(files))
	for _, f := range files {
		siblings = append(siblings, model.SiblingFile{RFilename: f})
		// Stat follows the link to the blob.
		if info, err := os.Stat(s.SnapshotPath(modelID, sha, f)); err == nil {
			totalSize += info.Size()
		}
	}

	author := ""
	if i := strings.Index(modelID, "/"); i > 0 {
		author = modelID[:i]
	}
	now := time.Now().UTC()
	return &model.ModelIndexInfo{
		ID:           modelID,
		ModelID:      modelID,
		Author:       author,
		SHA:          sha,
		LastModified: now,
		CreatedAt:    now,
		UsedStorage:  totalSize,
		Siblings:     siblings,
	}, nil
}

// Ref returns the commit sha a revision points at.
func (s *Storage) Ref(modelID, version string) (string, error) {
	return s.getRepoSha(modelID, version)
}

func (s *Storage) getRepoSha(modelID, version string) (string, error) {
	if !utils.IsRelativePath(version) {
		return "", fmt.Errorf("revision %q of %s: %w", version, modelID, api.ErrNotFound)
	}
	versionFilePath := filepath.Join(s.repoDir(modelID), "refs", filepath.FromSlash(version))
	data, err := os.ReadFile(versionFilePath)
	if err == nil {
		if sha := strings.TrimSpace(string(data)); utils.IsPathSegment(sha) {
			return sha, nil
		}
	}
	// A commit sha resolves to itself when its snapshot is present.
	snapshotDir := filepath.Join(s.repoDir(modelID), "snapshots", version)
	if !utils.IsPathSegment(version) {
		return "", fmt.Errorf("revision %s of %s not cached: %w", version, modelID, api.ErrNotFound)
	}
	if info, statErr := os.Stat(snapshotDir); statErr == nil && info.IsDir() {
		return version, nil
	}
	return "", fmt.Errorf("revision %s of %s not cached: %w", version, modelID, api.ErrNotFound)
}

// RepoSha resolves version to a sha, returning version unchanged when unknown.
func (s *Storage) RepoSha(modelID, version string) string {
	if sha, err := s.getRepoSha(modelID, version); err != nil {
		return version
	} else {
		return sha
	}
}

// WriteRef records that version points at sha.
func (s *Storage) WriteRef(modelID, version, sha string) error {
	if !utils.IsRelativePath(version) {
		return fmt.Errorf("revision %q: %w", version, api.ErrInvalidIdentifier)
	}
	if !utils.IsPathSegment(sha) {
		return fmt.Errorf("commit %q: %w", sha, api.ErrInvalidResponse)
	}
	if version == sha {
		return nil
	}
	path := filepath.Join(s.repoDir(modelID), "refs", filepath.FromSlash(version))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &api.IOError{Op: "create refs dir", Path: filepath.Dir(path), Err: err}
	}
	if err := os.WriteFile(path, []byte(sha), 0644); err != nil {
		return &api.IOError{Op: "write ref", Path: path, Err: err}
	}
	return nil
}

// FileEtag returns the blob name a snapshot file links to, or "" for copied files.
func (s *Storage) FileEtag(modelID, sha, filename string) string {
	targetPath, err := os.Readlink(s.SnapshotPath(modelID, sha, filename))
	if err != nil {
		return ""
	}
	_, etag := filepath.Split(targetPath)
	return etag
}
