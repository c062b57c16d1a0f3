package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

const defaultHashCacheSize = 50_000

// Observation is the current on-disk state of one path.
type Observation struct {
	Path        string
	Exists      bool
	Fingerprint string
	Size        int64
	ModTime     time.Time
}

// ScanResult holds the observations of a scan plus the paths that could not be
// read. Failed paths produce no change and are retried later.
type ScanResult struct {
	Observations map[string]*Observation
	Errors       map[string]error
}

func newScanResult() *ScanResult {
	return &ScanResult{
		Observations: make(map[string]*Observation),
		Errors:       make(map[string]error),
	}
}

// Paths returns the observed paths in sorted order.
func (r *ScanResult) Paths() []string {
	out := make([]string, 0, len(r.Observations))
	for p := range r.Observations {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type hashKey struct {
	path    string
	size    int64
	modTime int64
}

// hashJob is a regular file found by a walk that still needs a fingerprint.
type hashJob struct {
	rel  string
	abs  string
	info fs.FileInfo
}

// LocalScanner fingerprints files under a root. Hashes are cached by
// (path, size, mtime) for the lifetime of the process only, so the first scan
// after a restart always reads every file. Hashing runs on the root's pool.
type LocalScanner struct {
	root   string
	ignore *SyncIgnoreList
	cache  *lru.Cache[hashKey, string]
	pool   *RootPool
}

func NewLocalScanner(root string, ignore *SyncIgnoreList, pool *RootPool) *LocalScanner {
	if pool == nil {
		pool = NewPool(DefaultGlobalConcurrency).ForRoot(DefaultPerRootConcurrency)
	}
	cache, _ := lru.New[hashKey, string](defaultHashCacheSize)
	return &LocalScanner{root: root, ignore: ignore, cache: cache, pool: pool}
}

// Scan walks the whole root. Every indexed path that is no longer present is
// reported with Exists=false.
func (s *LocalScanner) Scan(ctx context.Context, snap *index.Snapshot) (*ScanResult, error) {
	start := time.Now()
	res := newScanResult()
	jobs, err := s.walk(ctx, s.root, res)
	if err != nil {
		return nil, err
	}
	if err := s.hashAll(ctx, jobs, res); err != nil {
		return nil, err
	}
	for _, p := range snap.Paths() {
		if _, seen := res.Observations[p]; seen {
			continue
		}
		if _, failed := res.Errors[p]; failed || !s.ignore.Syncable(p) {
			continue
		}
		res.Observations[p] = &Observation{Path: p}
	}

	var total int64
	for _, o := range res.Observations {
		total += o.Size
	}
	slog.Debug("scan complete", "root", s.root, "files", len(res.Observations), "size", humanize.Bytes(uint64(total)), "took", time.Since(start))
	return res, nil
}

// Observe inspects a settled batch. Directory paths expand to the files below
// them on disk and to their indexed descendants.
func (s *LocalScanner) Observe(ctx context.Context, paths []string, snap *index.Snapshot) (*ScanResult, error) {
	res := newScanResult()
	var jobs []hashJob
	queued := make(map[string]bool)
	queue := func(found ...hashJob) {
		for _, j := range found {
			if !queued[j.rel] {
				queued[j.rel] = true
				jobs = append(jobs, j)
			}
		}
	}
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs, err := utils.ToAbsPath(s.root, rel)
		if err != nil {
			continue
		}

		info, err := os.Lstat(abs)
		switch {
		case err == nil && info.IsDir():
			if s.ignore.ShouldIgnoreDir(rel) {
				continue
			}
			found, err := s.walk(ctx, abs, res)
			if err != nil {
				return nil, err
			}
			queue(found...)
		case err == nil:
			if s.wanted(rel, info) {
				queue(hashJob{rel: rel, abs: abs, info: info})
			}
		case errors.Is(err, fs.ErrNotExist):
			if _, known := snap.Get(rel); known && s.ignore.Syncable(rel) {
				res.Observations[rel] = &Observation{Path: rel}
			}
		default:
			res.Errors[rel] = localErr("stat", rel, err)
		}

		// whatever the index knows below a touched directory must be re-checked
		for _, child := range snap.Under(rel) {
			if _, seen := res.Observations[child]; seen || queued[child] || child == rel {
				continue
			}
			if !s.ignore.Syncable(child) {
				continue
			}
			childAbs, _ := utils.ToAbsPath(s.root, child)
			childInfo, err := os.Lstat(childAbs)
			if errors.Is(err, fs.ErrNotExist) {
				res.Observations[child] = &Observation{Path: child}
			} else if err == nil && s.wanted(child, childInfo) {
				queue(hashJob{rel: child, abs: childAbs, info: childInfo})
			}
		}
	}
	if err := s.hashAll(ctx, jobs, res); err != nil {
		return nil, err
	}
	return res, nil
}

// walk lists the syncable regular files below dir. Unreadable entries are
// recorded in res.
func (s *LocalScanner) walk(ctx context.Context, dir string, res *ScanResult) ([]hashJob, error) {
	var jobs []hashJob
	err := filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := utils.ToRelPath(s.root, abs)
		if relErr != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Errors[rel] = localErr("walk", rel, err)
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.ignore.ShouldIgnoreDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Errors[rel] = localErr("stat", rel, err)
			}
			return nil
		}
		if s.wanted(rel, info) {
			jobs = append(jobs, hashJob{rel: rel, abs: abs, info: info})
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return jobs, nil
}

func (s *LocalScanner) wanted(rel string, info fs.FileInfo) bool {
	return info.Mode().IsRegular() && s.ignore.Syncable(rel)
}

// hashAll fingerprints jobs concurrently within the pool's caps.
func (s *LocalScanner) hashAll(ctx context.Context, jobs []hashJob, res *ScanResult) error {
	var mu sync.Mutex
	err := s.pool.Each(ctx, len(jobs), func(ctx context.Context, i int) {
		j := jobs[i]
		fp, err := s.fingerprint(ctx, j.rel, j.abs, j.info)

		mu.Lock()
		defer mu.Unlock()
		s.record(res, j, fp, err)
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *LocalScanner) record(res *ScanResult, j hashJob, fp string, err error) {
	rel, info := j.rel, j.info
	switch {
	case err == nil:
		res.Observations[rel] = &Observation{
			Path:        rel,
			Exists:      true,
			Fingerprint: fp,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		}
	case errors.Is(err, fs.ErrNotExist):
		// vanished between stat and read
		res.Observations[rel] = &Observation{Path: rel}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		res.Errors[rel] = localErr("hash", rel, err)
	}
}

func (s *LocalScanner) fingerprint(ctx context.Context, rel, abs string, info fs.FileInfo) (string, error) {
	key := hashKey{path: rel, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if fp, ok := s.cache.Get(key); ok {
		return fp, nil
	}
	fp, _, err := HashFile(ctx, abs)
	if err != nil {
		return "", err
	}
	s.cache.Add(key, fp)
	return fp, nil
}

// Remember seeds the cache after the engine wrote a file itself.
func (s *LocalScanner) Remember(rel string, info fs.FileInfo, fp string) {
	s.cache.Add(hashKey{path: rel, size: info.Size(), modTime: info.ModTime().UnixNano()}, fp)
}
