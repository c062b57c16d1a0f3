package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// text formats the mime table misses or maps to something exotic
var textExts = map[string]bool{
	".md":   true,
	".txt":  true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".ini":  true,
	".conf": true,
	".log":  true,
}

// DetectContentType guesses the mime type of a file from its name.
func DetectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if textExts[ext] {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
