// Package fsbackend exposes a directory to the model as a virtual
// filesystem rooted at "/". Paths never resolve outside the root.
package fsbackend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/spf13/afero"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
	maxGrepMatches   = 200
)

// ErrOutsideRoot is returned for paths that climb above the root.
var ErrOutsideRoot = errors.New("path escapes the filesystem root")

// Backend serves file tools over an afero filesystem.
type Backend struct {
	fs      afero.Fs
	ignore  *ignoreList
	tracker *FileTracker
}

// New roots a backend at dir on the host filesystem.
func New(dir string) (*Backend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("checking root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), abs)), nil
}

// NewWithFs serves an existing filesystem as the root. Its /.gitignore is
// read once and applies to glob and grep.
func NewWithFs(fsys afero.Fs) *Backend {
	return &Backend{fs: fsys, ignore: loadIgnore(fsys), tracker: NewFileTracker()}
}

// Changes lists the files written or edited through this backend.
func (b *Backend) Changes() []FileChange {
	return b.tracker.Changes()
}

// walkFiles calls fn for every regular file under dir that is not ignored.
// fn may return filepath.SkipAll to stop early.
func (b *Backend) walkFiles(dir string, fn func(vpath string, info fs.FileInfo) error) error {
	err := afero.Walk(b.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		vpath := path.Clean("/" + filepath.ToSlash(p))
		if b.ignore.Skip(vpath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		return fn(vpath, info)
	})
	if errors.Is(err, filepath.SkipAll) {
		return nil
	}
	return err
}

// resolve turns a model-supplied path into a clean virtual absolute path.
func resolve(p string) (string, error) {
	if p == "" {
		p = "/"
	}
	p = filepath.ToSlash(p)
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	return path.Clean("/" + p), nil
}

// Tools returns ls, read_file, write_file, edit_file, glob and grep.
func (b *Backend) Tools() []tools.Tool {
	return []tools.Tool{
		&tools.Func{
			ToolName: "ls",
			Desc:     "List the entries of a directory. Directories end with '/'.",
			Schema:   tools.Object(map[string]any{"path": tools.Prop("string", "Absolute directory path, default /")}),
			Fn:       b.ls,
		},
		&tools.Func{
			ToolName: "read_file",
			Desc:     "Read a file with line numbers. Use offset and limit for large files.",
			Schema: tools.Object(map[string]any{
				"file_path": tools.Prop("string", "Absolute file path"),
				"offset":    tools.Prop("integer", "Line to start from (0-based)"),
				"limit":     tools.Prop("integer", "Maximum number of lines, default 2000"),
			}, "file_path"),
			Fn: b.readFile,
		},
		&tools.Func{
			ToolName: "write_file",
			Desc:     "Create a new file. Fails if the file exists; use edit_file instead.",
			Schema: tools.Object(map[string]any{
				"file_path": tools.Prop("string", "Absolute file path"),
				"content":   tools.Prop("string", "File content"),
			}, "file_path", "content"),
			Fn: b.writeFile,
		},
		&tools.Func{
			ToolName: "edit_file",
			Desc:     "Replace old_string with new_string in a file. old_string must be unique unless replace_all is set.",
			Schema: tools.Object(map[string]any{
				"file_path":   tools.Prop("string", "Absolute file path"),
				"old_string":  tools.Prop("string", "Exact text to replace"),
				"new_string":  tools.Prop("string", "Replacement text"),
				"replace_all": tools.Prop("boolean", "Replace every occurrence"),
			}, "file_path", "old_string", "new_string"),
			Fn: b.editFile,
		},
		&tools.Func{
			ToolName: "glob",
			Desc:     "Find files matching a glob pattern such as *.c or **/*.h.",
			Schema: tools.Object(map[string]any{
				"pattern": tools.Prop("string", "Glob pattern"),
				"path":    tools.Prop("string", "Directory to search, default /"),
			}, "pattern"),
			Fn: b.glob,
		},
		&tools.Func{
			ToolName: "grep",
			Desc:     "Search file contents with a regular expression.",
			Schema: tools.Object(map[string]any{
				"pattern": tools.Prop("string", "Regular expression"),
				"path":    tools.Prop("string", "Directory or file to search, default /"),
				"glob":    tools.Prop("string", "Only search files whose name matches this glob"),
			}, "pattern"),
			Fn: b.grep,
		},
	}
}

func pathArg(args map[string]any, name string, required bool) (string, error) {
	raw, err := tools.StringArg(args, name, required)
	if err != nil {
		return "", err
	}
	return resolve(raw)
}

func (b *Backend) ls(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	dir, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}
	entries, err := afero.ReadDir(b.fs, dir)
	if err != nil {
		return fmt.Sprintf("Error: cannot list %s: %v", dir, cleanErr(err)), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("%s is empty", dir), nil
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		name := path.Join(dir, e.Name())
		if e.IsDir() {
			name += "/"
		}
		lines[i] = name
	}
	return strings.Join(lines, "\n"), nil
}

func (b *Backend) readFile(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	file, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	offset, err := tools.IntArg(args, "offset", 0)
	if err != nil {
		return "", err
	}
	limit, err := tools.IntArg(args, "limit", defaultReadLimit)
	if err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	data, err := afero.ReadFile(b.fs, file)
	if err != nil {
		return fmt.Sprintf("Error: file '%s' not found", file), nil
	}
	if len(data) == 0 {
		return "System reminder: File exists but has empty contents", nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if offset >= len(lines) {
		return fmt.Sprintf("Error: line offset %d exceeds file length (%d lines)", offset, len(lines)), nil
	}
	end := min(offset+limit, len(lines))

	var sb strings.Builder
	for i := offset; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (b *Backend) writeFile(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	file, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	content, err := tools.StringArg(args, "content", false)
	if err != nil {
		return "", err
	}
	if exists, _ := afero.Exists(b.fs, file); exists {
		return fmt.Sprintf("Cannot write to %s because it already exists. Read and then make an edit, or write to a new path.", file), nil
	}
	if err := b.fs.MkdirAll(path.Dir(file), 0755); err != nil {
		return "", fmt.Errorf("creating parent of %s: %w", file, cleanErr(err))
	}
	if err := afero.WriteFile(b.fs, file, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", file, cleanErr(err))
	}
	b.tracker.RecordChange(file, true, lineCount(content), 0)
	return fmt.Sprintf("Updated file %s", file), nil
}

func (b *Backend) editFile(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	file, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	oldStr, err := tools.StringArg(args, "old_string", true)
	if err != nil {
		return "", err
	}
	newStr, err := tools.StringArg(args, "new_string", false)
	if err != nil {
		return "", err
	}
	replaceAll, _ := args["replace_all"].(bool)

	data, err := afero.ReadFile(b.fs, file)
	if err != nil {
		return fmt.Sprintf("Error: file '%s' not found", file), nil
	}
	before := string(data)

	count := strings.Count(before, oldStr)
	switch {
	case count == 0:
		return fmt.Sprintf("Error: string not found in file: '%s'", oldStr), nil
	case count > 1 && !replaceAll:
		return fmt.Sprintf("Error: string '%s' appears %d times in file. Use replace_all=true to replace all instances, or provide a more specific string with surrounding context.", oldStr, count), nil
	}

	n := 1
	if replaceAll {
		n = count
	}
	after := strings.Replace(before, oldStr, newStr, n)
	if err := afero.WriteFile(b.fs, file, []byte(after), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", file, cleanErr(err))
	}
	diff := udiff.Unified(file, file, before, after)
	additions, deletions := diffStat(diff)
	b.tracker.RecordChange(file, false, additions, deletions)
	return fmt.Sprintf("Successfully replaced %d instance(s) in '%s'\n%s", n, file, diff), nil
}

func (b *Backend) glob(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	pattern, err := tools.StringArg(args, "pattern", true)
	if err != nil {
		return "", err
	}
	dir, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}

	var matches []string
	err = b.walkFiles(dir, func(vpath string, _ fs.FileInfo) error {
		rel := strings.TrimPrefix(strings.TrimPrefix(vpath, dir), "/")
		if matchGlob(pattern, rel) {
			matches = append(matches, vpath)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", dir, cleanErr(err))
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No files found matching pattern %q", pattern), nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

// matchGlob matches rel against pattern. A leading "**/" matches any
// number of directories.
func matchGlob(pattern, rel string) bool {
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		return matchAtAnyDepth(rest, rel)
	}
	ok, _ := path.Match(pattern, rel)
	return ok
}

func (b *Backend) grep(_ context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	expr, err := tools.StringArg(args, "pattern", true)
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Sprintf("Error: invalid regex pattern: %v", err), nil
	}
	dir, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}
	nameGlob, err := tools.StringArg(args, "glob", false)
	if err != nil {
		return "", err
	}

	var results []string
	truncated := false
	err = b.walkFiles(dir, func(vpath string, info fs.FileInfo) error {
		if nameGlob != "" {
			if ok, _ := path.Match(nameGlob, info.Name()); !ok {
				return nil
			}
		}
		f, err := b.fs.Open(vpath)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for n := 1; scanner.Scan(); n++ {
			if !re.MatchString(scanner.Text()) {
				continue
			}
			if len(results) == maxGrepMatches {
				truncated = true
				return filepath.SkipAll
			}
			results = append(results, fmt.Sprintf("%s:%d: %s", vpath, n, scanner.Text()))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching %s: %w", dir, cleanErr(err))
	}
	if len(results) == 0 {
		return fmt.Sprintf("No matches found for pattern %q", expr), nil
	}
	out := strings.Join(results, "\n")
	if truncated {
		out += fmt.Sprintf("\n... results truncated at %d matches", maxGrepMatches)
	}
	return out, nil
}

// cleanErr drops the host path afero leaves in *PathError messages.
func cleanErr(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
