package server

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/uda-project/udaauth/security"
)

// FileHandler serves read-only files below a data directory. The request
// payload is a slash-separated path relative to the directory.
type FileHandler struct {
	root *os.Root
	log  *logging.Logger
}

// NewFileHandler opens dir for serving.
func NewFileHandler(dir string, log *logging.Logger) (*FileHandler, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrap(err, "server: data directory")
	}
	return &FileHandler{root: root, log: log}, nil
}

// Close releases the data directory handle.
func (h *FileHandler) Close() error {
	return h.root.Close()
}

// Serve implements Handler.
func (h *FileHandler) Serve(_ context.Context, peer security.Peer, payload []byte) *security.Response {
	name, ok := cleanRequestPath(string(payload))
	if !ok {
		return &security.Response{Status: security.StatusDenied, Error: "invalid path"}
	}

	f, err := h.root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &security.Response{Status: security.StatusNotFound, Error: name + ": not found"}
		}
		return &security.Response{Status: security.StatusDenied, Error: name + ": access denied"}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return &security.Response{Status: security.StatusDenied, Error: name + ": not a regular file"}
	}
	if info.Size() > security.MaxPayloadSize {
		return &security.Response{Status: security.StatusError, Error: name + ": file too large"}
	}

	data, err := io.ReadAll(io.LimitReader(f, security.MaxPayloadSize))
	if err != nil {
		return &security.Response{Status: security.StatusError, Error: name + ": read failed"}
	}
	if h.log != nil {
		h.log.Infof("%s read %s (%d bytes)", peer.Subject, name, len(data))
	}
	return &security.Response{Status: security.StatusOK, Payload: data}
}

// cleanRequestPath rejects absolute paths and any path that leaves the
// data directory.
func cleanRequestPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", false
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || !fs.ValidPath(clean) {
		return "", false
	}
	return clean, true
}
