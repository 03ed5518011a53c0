package httpapi

import (
	"errors"

	"llamad/internal/manager"
	"llamad/internal/registry"
	"llamad/pkg/types"
)

var errUnknownModel = errors.New("model not in registry")

// Backend serves the HTTP API from a session manager and a models directory.
type Backend struct {
	*manager.Manager
	modelsDir string
}

// NewBackend wires m to the registry rooted at modelsDir.
func NewBackend(m *manager.Manager, modelsDir string) *Backend {
	return &Backend{Manager: m, modelsDir: modelsDir}
}

// ListModels rescans the models directory. A missing directory lists nothing.
func (b *Backend) ListModels() []types.Model {
	models, err := registry.LoadDir(b.modelsDir)
	if err != nil {
		zlog.Warn().Err(err).Str("models_dir", b.modelsDir).Msg("scan models")
		return []types.Model{}
	}
	return models
}

// ResolveModel maps a registry id to its file path.
func (b *Backend) ResolveModel(id string) (string, bool) {
	m, ok := registry.Find(b.ListModels(), id)
	return m.Path, ok
}
