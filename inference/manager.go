package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wayl-ai/wayl/metrics"
	"golang.org/x/sync/singleflight"
)

// ModelInfo describes a model held by the Manager.
type ModelInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Provider string    `json:"provider"`
	Loaded   bool      `json:"loaded"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

type entry struct {
	model    Model
	loadedAt time.Time
	lastUsed time.Time
}

// Manager keeps at most maxSize models loaded and evicts the least recently
// used one when a new model is needed.
type Manager struct {
	loader   Loader
	provider string
	maxSize  int

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	now     func() time.Time
}

func NewManager(loader Loader, provider string, maxSize int) *Manager {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Manager{
		loader:   loader,
		provider: provider,
		maxSize:  maxSize,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
}

// Get returns the loaded model for id, loading it once even under concurrent callers.
func (m *Manager) Get(ctx context.Context, id string) (Model, error) {
	if id == "" {
		return nil, errors.New("model id is required")
	}

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.lastUsed = m.now()
		m.mu.Unlock()
		return e.model, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.entries[id]; ok {
			m.mu.Unlock()
			return e.model, nil
		}
		m.mu.Unlock()

		start := time.Now()
		slog.Info("Loading model", "model_id", id)
		model, err := m.loader(ctx, id)
		if err != nil {
			slog.Error("Failed to load model", "model_id", id, "error", err)
			return nil, fmt.Errorf("failed to load model %s: %w", id, err)
		}
		metrics.ObserveModelLoad(id, time.Since(start))
		slog.Info("Model loaded", "model_id", id, "path", model.Path(), "duration", time.Since(start))

		m.mu.Lock()
		defer m.mu.Unlock()
		m.evictLocked()
		now := m.now()
		m.entries[id] = &entry{model: model, loadedAt: now, lastUsed: now}
		metrics.SetModelCacheSize(len(m.entries))
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

// evictLocked makes room for one more model.
func (m *Manager) evictLocked() {
	for len(m.entries) >= m.maxSize {
		var (
			oldestID string
			oldest   time.Time
		)
		for id, e := range m.entries {
			if oldestID == "" || e.lastUsed.Before(oldest) {
				oldestID, oldest = id, e.lastUsed
			}
		}
		e := m.entries[oldestID]
		delete(m.entries, oldestID)
		if err := e.model.Close(); err != nil {
			slog.Warn("Failed to unload model", "model_id", oldestID, "error", err)
		}
		slog.Info("Evicted model", "model_id", oldestID)
	}
	metrics.SetModelCacheSize(len(m.entries))
}

// Generate runs a request against id and records inference metrics.
func (m *Manager) Generate(ctx context.Context, id string, req Request) (*Response, error) {
	model, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := model.Generate(ctx, req)
	metrics.RecordInference(id, time.Since(start), err)
	if err != nil {
		slog.Error("Generation error", "model_id", id, "error", err)
		return nil, err
	}
	return resp, nil
}

func (m *Manager) Stream(ctx context.Context, id string, req Request, onChunk func(string) error) (*Response, error) {
	model, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := model.Stream(ctx, req, onChunk)
	metrics.RecordInference(id, time.Since(start), err)
	if err != nil {
		slog.Error("Streaming error", "model_id", id, "error", err)
		return nil, err
	}
	return resp, nil
}

// Preload loads ids in order; failures are logged and skipped.
func (m *Manager) Preload(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if _, err := m.Get(ctx, id); err != nil {
			slog.Warn("Preload failed", "model_id", id, "error", err)
		}
	}
}

// Info reports the state of id without loading it.
func (m *Manager) Info(id string) ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := ModelInfo{ID: id, Name: id, Provider: m.provider}
	if e, ok := m.entries[id]; ok {
		info.Path = e.model.Path()
		info.Loaded = true
		info.LoadedAt = e.loadedAt
		info.LastUsed = e.lastUsed
	}
	return info
}

// Loaded lists the loaded models, most recently used first.
func (m *Manager) Loaded() []ModelInfo {
	m.mu.Lock()
	out := make([]ModelInfo, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, ModelInfo{
			ID:       id,
			Name:     id,
			Path:     e.model.Path(),
			Provider: m.provider,
			Loaded:   true,
			LoadedAt: e.loadedAt,
			LastUsed: e.lastUsed,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out
}

// Close unloads every model.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, e := range m.entries {
		if err := e.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(m.entries, id)
	}
	metrics.SetModelCacheSize(0)
	return errors.Join(errs...)
}
