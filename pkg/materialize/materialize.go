// Package materialize fetches a tokenizer bundle from a registry into the local
// cache and persists a copy of it into a destination directory.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/bundle"
	"github.com/lengrongfu/tokfetch/pkg/cache"
	"github.com/lengrongfu/tokfetch/pkg/utils"
)

// Config controls a Fetcher.
type Config struct {
	// Revision is the branch, tag or commit to fetch; empty means main.
	Revision string
	// Include selects the bundle files in gitignore syntax; empty means bundle.DefaultPatterns.
	Include []string
	// Concurrency bounds parallel file fetches; values below 1 mean sequential.
	Concurrency int
	// Verify checks the staged bundle before it replaces the destination.
	Verify bool
	// CacheFallback resolves from the cache when the registry is unreachable.
	CacheFallback bool
	Logger        zerolog.Logger
}

// Result describes a successful materialization.
type Result struct {
	ModelID     string
	Revision    string
	SHA         string
	Destination string
	Files       []string
	Bytes       int64
	// Fetched counts files downloaded from the registry; the rest came from the cache.
	Fetched int
	Report  *bundle.Report
}

// Fetcher materializes tokenizer bundles.
type Fetcher struct {
	registry api.Registry
	store    *cache.Storage
	cfg      Config
	include  *ignore.GitIgnore
}

// NewFetcher creates a fetcher resolving through reg and caching into store.
func NewFetcher(reg api.Registry, store *cache.Storage, cfg Config) *Fetcher {
	if cfg.Revision == "" {
		cfg.Revision = "main"
	}
	if len(cfg.Include) == 0 {
		cfg.Include = bundle.DefaultPatterns
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Fetcher{
		registry: reg,
		store:    store,
		cfg:      cfg,
		include:  ignore.CompileIgnoreLines(cfg.Include...),
	}
}

// Materialize writes the bundle for modelID into destination. Resolution happens
// before anything is written next to destination, and destination is replaced in
// one rename, so a failed run leaves a previous bundle untouched.
func (f *Fetcher) Materialize(ctx context.Context, modelID, destination string) (*Result, error) {
	log := f.cfg.Logger.With().Str("model", modelID).Str("revision", f.cfg.Revision).Logger()
	start := time.Now()

	if err := utils.ValidateModelID(modelID); err != nil {
		return nil, f.resolutionError(modelID, fmt.Errorf("%v: %w", err, api.ErrInvalidIdentifier))
	}
	if !utils.IsRelativePath(f.cfg.Revision) {
		return nil, f.resolutionError(modelID, fmt.Errorf("revision %q is not a valid ref: %w", f.cfg.Revision, api.ErrInvalidIdentifier))
	}
	if err := checkDestination(destination); err != nil {
		return nil, err
	}

	info, err := f.resolve(ctx, log, modelID)
	if err != nil {
		return nil, err
	}
	sha := info.SHA
	if !utils.IsPathSegment(sha) {
		return nil, f.resolutionError(modelID, fmt.Errorf("registry named commit %q: %w", sha, api.ErrInvalidResponse))
	}
	log = log.With().Str("sha", sha).Logger()

	files := f.selectFiles(log, info)
	if err := bundle.HasRequiredFiles(files); err != nil {
		return nil, f.resolutionError(modelID, fmt.Errorf("%d of %d repository files selected: %v: %w", len(files), len(info.Siblings), err, api.ErrNoBundle))
	}
	log.Debug().Strs("files", files).Msg("selected bundle files")

	fetched, err := f.fetchAll(ctx, log, modelID, sha, files)
	if err != nil {
		return nil, err
	}

	if err := f.store.WriteRef(modelID, f.cfg.Revision, sha); err != nil {
		return nil, err
	}
	if err := f.store.WriteRepoInfo(modelID, info); err != nil {
		return nil, err
	}

	staging, size, err := f.stage(modelID, sha, files, destination)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	var report *bundle.Report
	if f.cfg.Verify {
		report, err = bundle.Verify(staging)
		if err != nil {
			return nil, f.resolutionError(modelID, fmt.Errorf("verify bundle: %w", err))
		}
		if report.LoadError != "" {
			log.Warn().Str("error", report.LoadError).Msg("tokenizer.json could not be loaded")
		}
	}

	if err := replaceDir(staging, destination); err != nil {
		return nil, err
	}

	log.Info().
		Str("destination", destination).
		Int("files", len(files)).
		Int("fetched", fetched).
		Int64("bytes", size).
		Dur("took", time.Since(start)).
		Msg("tokenizer materialized")

	return &Result{
		ModelID:     modelID,
		Revision:    f.cfg.Revision,
		SHA:         sha,
		Destination: destination,
		Files:       files,
		Bytes:       size,
		Fetched:     fetched,
		Report:      report,
	}, nil
}

func (f *Fetcher) resolutionError(modelID string, err error) error {
	return &api.ResolutionError{ModelID: modelID, Revision: f.cfg.Revision, Err: err}
}

// resolve asks the registry for the revision, falling back to the cache when the
// registry cannot be reached.
func (f *Fetcher) resolve(ctx context.Context, log zerolog.Logger, modelID string) (model.ModelIndexInfo, error) {
	// Commits are immutable, so a cached index for one needs no round trip.
	if utils.IsCommitSHA(f.cfg.Revision) {
		if cached, err := f.store.RepoInfo(modelID, f.cfg.Revision); err == nil && cached.SHA == f.cfg.Revision {
			log.Debug().Msg("commit already cached")
			return *cached, nil
		}
	}

	info, err := f.registry.RepoInfo(ctx, modelID, f.cfg.Revision)
	if err == nil {
		if info.SHA == "" {
			info.SHA = f.cfg.Revision
		}
		return info, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.ModelIndexInfo{}, ctxErr
	}

	if f.cfg.CacheFallback && errors.Is(err, api.ErrUnreachable) {
		cached, cacheErr := f.store.RepoInfo(modelID, f.cfg.Revision)
		if cacheErr == nil {
			log.Warn().Err(err).Msg("registry unreachable, using cached revision")
			return *cached, nil
		}
		log.Debug().Err(cacheErr).Msg("no cached revision to fall back to")
	}
	return model.ModelIndexInfo{}, f.resolutionError(modelID, err)
}

// selectFiles returns the sibling files matching the include patterns, sorted.
// Names that would leave the snapshot directory are skipped.
func (f *Fetcher) selectFiles(log zerolog.Logger, info model.ModelIndexInfo) []string {
	var files []string
	for _, name := range info.Filenames() {
		if !utils.IsRelativePath(name) {
			log.Warn().Str("file", name).Msg("skipping file with unusable name")
			continue
		}
		if f.include.MatchesPath(name) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}

// fetchAll makes every file available in the cache snapshot of sha and returns
// how many had to be downloaded.
func (f *Fetcher) fetchAll(ctx context.Context, log zerolog.Logger, modelID, sha string, files []string) (int, error) {
	p := pool.New().
		WithMaxGoroutines(f.cfg.Concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	downloaded := make([]bool, len(files))
	for i, name := range files {
		i, name := i, name
		p.Go(func(ctx context.Context) error {
			if _, ok := f.store.FileExists(modelID, sha, name); ok {
				log.Debug().Str("file", name).Msg("cache hit")
				return nil
			}
			if err := f.fetchOne(ctx, log, modelID, sha, name); err != nil {
				return err
			}
			downloaded[i] = true
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, d := range downloaded {
		if d {
			n++
		}
	}
	return n, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, log zerolog.Logger, modelID, sha, name string) error {
	log.Debug().Str("file", name).Msg("downloading")
	blob, err := f.registry.Fetch(ctx, modelID, sha, name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ioErr *api.IOError
		if errors.As(err, &ioErr) {
			return err
		}
		return f.resolutionError(modelID, err)
	}
	defer blob.Body.Close()

	if _, err := f.store.StoreFile(modelID, sha, name, blob.ETag, blob.Body); err != nil {
		var ioErr *api.IOError
		if errors.As(err, &ioErr) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return f.resolutionError(modelID, err)
	}
	return nil
}

// stage copies the cached files into a fresh directory next to destination so the
// final rename stays on one filesystem.
func (f *Fetcher) stage(modelID, sha string, files []string, destination string) (string, int64, error) {
	parent := filepath.Dir(filepath.Clean(destination))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", 0, &api.IOError{Op: "create destination parent", Path: parent, Err: err}
	}
	staging := filepath.Join(parent, "."+filepath.Base(destination)+".staging-"+uuid.NewString())
	if err := os.Mkdir(staging, 0755); err != nil {
		return "", 0, &api.IOError{Op: "create staging dir", Path: staging, Err: err}
	}

	var total int64
	for _, name := range files {
		dest := filepath.Join(staging, filepath.FromSlash(name))
		if !utils.IsWithin(staging, dest) || dest == staging {
			os.RemoveAll(staging)
			return "", 0, &api.IOError{Op: "stage file", Path: dest, Err: fmt.Errorf("%q leaves the staging dir", name)}
		}
		n, err := f.copyFromCache(modelID, sha, name, dest)
		if err != nil {
			os.RemoveAll(staging)
			return "", 0, err
		}
		total += n
	}
	return staging, total, nil
}

func (f *Fetcher) copyFromCache(modelID, sha, name, dest string) (int64, error) {
	src, err := f.store.GetFile(modelID, sha, name)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, &api.IOError{Op: "create dir", Path: filepath.Dir(dest), Err: err}
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, &api.IOError{Op: "create file", Path: dest, Err: err}
	}
	n, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		return 0, &api.IOError{Op: "write file", Path: dest, Err: err}
	}
	if err := out.Close(); err != nil {
		return 0, &api.IOError{Op: "close file", Path: dest, Err: err}
	}
	return n, nil
}

func checkDestination(destination string) error {
	if destination == "" {
		return &api.IOError{Op: "materialize", Path: destination, Err: errors.New("destination is empty")}
	}
	clean := filepath.Clean(destination)
	if clean == "." || filepath.Dir(clean) == clean {
		return &api.IOError{Op: "materialize", Path: destination, Err: errors.New("destination must name a directory below its parent")}
	}
	return nil
}

// replaceDir moves staging to destination, moving a previous destination aside
// first and restoring it if the swap fails.
func replaceDir(staging, destination string) error {
	info, err := os.Lstat(destination)
	switch {
	case os.IsNotExist(err):
		if err := os.Rename(staging, destination); err != nil {
			return &api.IOError{Op: "move bundle into place", Path: destination, Err: err}
		}
		return nil
	case err != nil:
		return &api.IOError{Op: "stat destination", Path: destination, Err: err}
	case !info.IsDir():
		return &api.IOError{Op: "replace destination", Path: destination, Err: errors.New("exists and is not a directory")}
	}

	old := staging + ".old"
	if err := os.Rename(destination, old); err != nil {
		return &api.IOError{Op: "move previous bundle aside", Path: destination, Err: err}
	}
	if err := os.Rename(staging, destination); err != nil {
		if restoreErr := os.Rename(old, destination); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
		return &api.IOError{Op: "move bundle into place", Path: destination, Err: err}
	}
	if err := os.RemoveAll(old); err != nil {
		return &api.IOError{Op: "remove previous bundle", Path: old, Err: err}
	}
	return nil
}
