package fsbackend

import (
	"bufio"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ignoreList decides which paths glob and grep skip, using .gitignore
// syntax: globs, trailing "/" for directories, leading "/" or an inner "/"
// to anchor, "**" at any depth and "!" to re-include. The last matching
// rule wins.
type ignoreList struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// loadIgnore reads /.gitignore from fsys. VCS metadata is always skipped.
func loadIgnore(fsys afero.Fs) *ignoreList {
	il := &ignoreList{}
	il.add(".git/")
	f, err := fsys.Open("/.gitignore")
	if err != nil {
		return il
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		il.add(scanner.Text())
	}
	return il
}

func (il *ignoreList) add(line string) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	var r ignoreRule
	if rest, ok := strings.CutPrefix(line, "!"); ok {
		r.negate = true
		line = rest
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if rest, ok := strings.CutPrefix(line, "/"); ok {
		r.anchored = true
		line = rest
	} else if strings.Contains(line, "/") && !strings.HasPrefix(line, "**/") {
		r.anchored = true
	}
	if line == "" {
		return
	}
	r.pattern = line
	il.rules = append(il.rules, r)
}

// Skip reports whether the virtual path p is ignored, either itself or
// through one of its parent directories.
func (il *ignoreList) Skip(p string, isDir bool) bool {
	rel := strings.TrimPrefix(path.Clean(p), "/")
	if rel == "" || len(il.rules) == 0 {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if il.match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return il.match(rel, isDir)
}

func (il *ignoreList) match(rel string, isDir bool) bool {
	ignored := false
	for _, r := range il.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(rel) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r ignoreRule) matches(rel string) bool {
	p := r.pattern
	if rest, ok := strings.CutPrefix(p, "**/"); ok {
		return matchAtAnyDepth(rest, rel)
	}
	if prefix, ok := strings.CutSuffix(p, "/**"); ok {
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	if prefix, suffix, ok := strings.Cut(p, "/**/"); ok {
		if rel != prefix && !strings.HasPrefix(rel, prefix+"/") {
			return false
		}
		return matchAtAnyDepth(suffix, strings.TrimPrefix(rel, prefix+"/"))
	}
	if r.anchored {
		ok, _ := path.Match(p, rel)
		return ok
	}
	ok, _ := path.Match(p, path.Base(rel))
	return ok
}

// matchAtAnyDepth matches pattern against rel or any of its trailing
// path suffixes.
func matchAtAnyDepth(pattern, rel string) bool {
	for {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		_, rest, found := strings.Cut(rel, "/")
		if !found {
			return false
		}
		rel = rest
	}
}
