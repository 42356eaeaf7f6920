package watcher

import (
	"path"
	"strings"
)

// MatchesPatterns reports whether a slash-separated relative path matches
// any watch pattern and no exclude pattern. Excludes win.
func MatchesPatterns(relPath string, patterns, excludes []string) bool {
	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, exclude := range excludes {
		if globMatch(relPath, exclude) {
			return false
		}
	}
	for _, pattern := range patterns {
		if globMatch(relPath, pattern) {
			return true
		}
	}
	return false
}

// globMatch matches a relative path against a glob with ** support.
// "**/" prefixes match at any depth including the root, and "/**" suffixes
// match the whole subtree under a prefix.
func globMatch(relPath, pattern string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "**/"); ok {
		if matched, _ := path.Match(pattern, relPath); matched {
			return true
		}
		parts := strings.Split(relPath, "/")
		for i := range parts {
			if globMatch(strings.Join(parts[i:], "/"), suffix) {
				return true
			}
		}
		return false
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
	}

	matched, _ := path.Match(pattern, relPath)
	return matched
}
