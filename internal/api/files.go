package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// File permissions of the file transfer area.
const (
	fileDirPermissions  = 0750
	fileFilePermissions = 0640
)

// fileStore is the file transfer area. Paths below the root are served
// as-is; symlinks are followed on read, so an operation can publish a file
// kept elsewhere (the download cache) without copying it.
type fileStore struct {
	root string
}

// resolve maps a request path to a file below the root. Paths that would
// escape the root are rejected.
func (f *fileStore) resolve(r *http.Request) (string, error) {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return "", err
		}
		p = unescaped
	}
	if p == "" || strings.Contains(p, "\\") {
		return "", fmt.Errorf("invalid file path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid file path %q", p)
		}
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("invalid file path %q", p)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// handleGetFile serves a file.
// GET /te/v1/files/*
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name, err := s.files.resolve(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	file, err := os.Open(name)
	if err != nil {
		s.writeFileError(w, r, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.writeFileError(w, r, err)
		return
	}
	if info.IsDir() {
		writeNotFound(w, msgNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// handlePutFile stores the request body, replacing any existing file. The
// body is written to a temporary file first so readers never see a partial
// upload.
// PUT /te/v1/files/*
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	name, err := s.files.resolve(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		writeError(w, http.StatusConflict, "A directory exists at the target path")
		return
	}

	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, fileDirPermissions); err != nil {
		s.writeFileError(w, r, err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		s.writeFileError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Gone after a successful rename

	size, err := io.Copy(tmp, r.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), fileFilePermissions)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), name)
	}
	if err != nil {
		s.writeFileError(w, r, err)
		return
	}

	s.logger.Debug("file uploaded", "path", name, "size", size)
	w.WriteHeader(http.StatusCreated)
}

// handleDeleteFile removes a file. Removing a missing file is accepted.
// DELETE /te/v1/files/*
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name, err := s.files.resolve(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	info, err := os.Lstat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.WriteHeader(http.StatusAccepted)
		return
	case err != nil:
		s.writeFileError(w, r, err)
		return
	case info.IsDir():
		writeError(w, http.StatusConflict, "Cannot delete a directory")
		return
	}
	if err := os.Remove(name); err != nil {
		s.writeFileError(w, r, err)
		return
	}
	s.logger.Debug("file deleted", "path", name)
	w.WriteHeader(http.StatusNoContent)
}

// writeFileError writes the response for a file system error.
func (s *Server) writeFileError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeNotFound(w, msgNotFound)
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, msgPayloadTooLarge)
	case errors.Is(err, fs.ErrPermission):
		writeError(w, http.StatusForbidden, "Permission denied")
	default:
		s.logger.Error("file transfer request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeInternalError(w, msgInternal)
	}
}
