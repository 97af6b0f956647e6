package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// FileHandler serves a file as a readable resource and accepts uploads into
// it. Uploads land in a staging file next to the target and are renamed
// into place only when the transfer finalizes with a successful status, so
// a torn transfer never clobbers the previous contents.
type FileHandler struct {
	path string

	readFile  *os.File
	writeFile *os.File
}

var _ ReadHandler = (*FileHandler)(nil)
var _ WriteHandler = (*FileHandler)(nil)

// NewFileHandler creates a handler for path. The path must not contain
// parent references; it is resolved as given, relative paths against the
// working directory.
func NewFileHandler(path string) (*FileHandler, error) {
	if path == "" {
		return nil, fmt.Errorf("empty resource path")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return nil, fmt.Errorf("resource path %q escapes its root", path)
		}
	}
	return &FileHandler{path: path}, nil
}

// Path returns the backing file path.
func (h *FileHandler) Path() string { return h.path }

func (h *FileHandler) PrepareRead() (io.ReadSeeker, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("open resource: %w", err)
	}
	h.readFile = f
	return f, nil
}

func (h *FileHandler) PrepareWrite() (io.WriterAt, error) {
	f, err := os.OpenFile(h.stagingPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	h.writeFile = f
	return f, nil
}

func (h *FileHandler) stagingPath() string {
	return h.path + ".part"
}

// Finalize closes whichever side was prepared. For writes, a successful
// status commits the staging file over the target; any other status
// discards it.
func (h *FileHandler) Finalize(status protocol.Status) error {
	if h.readFile != nil {
		f := h.readFile
		h.readFile = nil
		return f.Close()
	}
	if h.writeFile != nil {
		f := h.writeFile
		h.writeFile = nil
		if err := f.Close(); err != nil {
			os.Remove(h.stagingPath())
			return err
		}
		if !status.OK() {
			return os.Remove(h.stagingPath())
		}
		if err := os.Rename(h.stagingPath(), h.path); err != nil {
			return fmt.Errorf("commit upload: %w", err)
		}
	}
	return nil
}
