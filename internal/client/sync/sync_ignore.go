package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

const (
	// InternalDir holds the engine's scratch space inside each root.
	InternalDir    = ".xynoxa"
	IgnoreFileName = ".xynoxaignore"
)

var defaultIgnoreLines = []string{
	InternalDir + "/",
	".xynoxa.db",
	".xynoxa.db-*",
	".git",
	"node_modules/",
	// editors and OS litter
	"*.swp",
	"*~",
	".~lock.*#",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// SyncIgnoreList decides which relative paths the engine never syncs.
type SyncIgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
	include []string
}

func NewSyncIgnoreList(baseDir string, include []string) *SyncIgnoreList {
	return &SyncIgnoreList{baseDir: baseDir, include: include}
}

// Load compiles the defaults plus the root's .xynoxaignore, if present.
func (s *SyncIgnoreList) Load() {
	lines := append([]string(nil), defaultIgnoreLines...)

	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	if utils.FileExists(ignorePath) {
		if extra, err := readIgnoreFile(ignorePath); err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			lines = append(lines, extra...)
			slog.Info("ignore file loaded", "path", ignorePath, "rules", len(extra))
		}
	}

	for _, pattern := range s.include {
		if !doublestar.ValidatePattern(pattern) {
			slog.Warn("invalid include pattern", "pattern", pattern)
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether a slash separated relative path is excluded.
// Include patterns, when configured, restrict syncing to matching files;
// directories are never excluded by them so that walks can descend.
func (s *SyncIgnoreList) ShouldIgnore(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	if s.ignore == nil {
		s.Load()
	}
	return s.ignore.MatchesPath(rel)
}

// ShouldIgnoreDir is ShouldIgnore for directories, honouring `dir/` rules.
func (s *SyncIgnoreList) ShouldIgnoreDir(rel string) bool {
	return s.ShouldIgnore(rel) || s.ShouldIgnore(rel+"/")
}

// Included reports whether a file path passes the include patterns.
func (s *SyncIgnoreList) Included(rel string) bool {
	if len(s.include) == 0 {
		return true
	}
	for _, pattern := range s.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Syncable combines ShouldIgnore and Included for a file path.
func (s *SyncIgnoreList) Syncable(rel string) bool {
	return !s.ShouldIgnore(rel) && s.Included(rel)
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
