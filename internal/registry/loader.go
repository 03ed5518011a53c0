package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llamad/internal/common/fsutil"
	"llamad/pkg/types"
)

// ggufMagic is the 4-byte header every GGUF model file starts with.
var ggufMagic = []byte("GGUF")

var (
	// ErrModelFileNotFound reports a model path that does not exist.
	ErrModelFileNotFound = errors.New("model file not found")
	// ErrNotGGUF reports a file that lacks the GGUF header.
	ErrNotGGUF = errors.New("unsupported model format (missing GGUF header)")
)

// GGUFScanner discovers *.gguf files in a directory.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds a registry from filenames. ID is the full filename (including
// extension); Path is the absolute file path. Results are sorted by ID.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	abs, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		models = append(models, types.Model{
			ID:        name,
			Name:      strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      filepath.Join(abs, name),
			SizeBytes: size,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Find returns the model with the given id.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}

// CheckModelFile verifies path exists, is a regular file and starts with the
// GGUF magic. Errors wrap ErrModelFileNotFound or ErrNotGGUF.
func CheckModelFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModelFileNotFound, path)
		}
		return fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNotGGUF, path)
	}
	head := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("%w: %s", ErrNotGGUF, path)
	}
	if !bytes.Equal(head, ggufMagic) {
		return fmt.Errorf("%w: %s", ErrNotGGUF, path)
	}
	return nil
}
