package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("path escapes the repository root")

type fileBody struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// readFile serves a file from the job's repository. Paths are resolved
// relative to the repository root; a leading slash is allowed and ignored.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if j.RepoPath == "" {
		s.fail(w, r, http.StatusBadRequest, "job has no repo path", nil)
		return
	}
	rel := r.URL.Query().Get("path")
	target, err := resolveInRoot(j.RepoPath, rel)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid path", err)
		return
	}
	content, err := readLimited(target, s.maxFile)
	switch {
	case err == nil:
		s.respond(w, r, http.StatusOK, fileBody{Path: rel, Content: string(content)})
	case errors.Is(err, errOutsideRoot):
		s.fail(w, r, http.StatusBadRequest, "invalid path", err)
	case errors.Is(err, errTooLarge):
		s.fail(w, r, http.StatusRequestEntityTooLarge, "file too large", nil)
	case errors.Is(err, errIsDir):
		s.fail(w, r, http.StatusBadRequest, "path is a directory", nil)
	default:
		s.fail(w, r, http.StatusNotFound, "file not found", err)
	}
}

var (
	errTooLarge = errors.New("file too large")
	errIsDir    = errors.New("is a directory")
)

// resolveInRoot joins rel onto root and rejects results outside root,
// including through symbolic links that exist on disk.
func resolveInRoot(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(absRoot, filepath.FromSlash("/"+strings.TrimPrefix(rel, "/")))
	if !within(absRoot, target) {
		return "", errOutsideRoot
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return target, nil
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		// Missing files are reported by the read.
		return target, nil
	}
	if !within(realRoot, realTarget) {
		return "", errOutsideRoot
	}
	return realTarget, nil
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, errIsDir)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	if info.Size() > limit {
		return nil, errTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}
