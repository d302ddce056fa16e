package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Modality names used in model input declarations.
const (
	ModalityText  = "text"
	ModalityImage = "image"
	ModalityAudio = "audio"
	ModalityVideo = "video"
)

// ModelSpec describes one registered model.
type ModelSpec struct {
	Ref           string // "provider/model-id"
	Provider      string
	ID            string
	Name          string
	Input         []string // declared input modalities; empty means text-only
	Reasoning     bool
	ContextWindow int
	MaxTokens     int
	Disabled      bool
	ConfigPath    string // config path the spec came from, for user-facing notices
}

// SupportsInput reports whether the model declares the given modality.
func (m ModelSpec) SupportsInput(modality string) bool {
	if modality == ModalityText {
		return true
	}
	for _, in := range m.Input {
		if strings.EqualFold(in, modality) {
			return true
		}
	}
	return false
}

// Registry holds the registered models and resolves user-supplied refs.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec // keyed by lowercase ref
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelSpec)}
}

// Register adds or replaces a model spec.
func (r *Registry) Register(spec ModelSpec) {
	key := strings.ToLower(spec.Ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[key]; !exists {
		r.order = append(r.order, key)
	}
	r.models[key] = spec
}

// List returns all registered specs in registration order.
func (r *Registry) List() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelSpec, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.models[key])
	}
	return out
}

// Get returns the spec for an exact (case-insensitive) ref.
func (r *Registry) Get(ref string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.models[strings.ToLower(ref)]
	return spec, ok
}

// Resolve matches a user-supplied ref against registered models, correcting
// typos by Damerau-Levenshtein distance up to maxDistance. Exact match wins;
// otherwise the unique nearest candidate within the budget is returned.
func (r *Registry) Resolve(ref string, maxDistance int) (ModelSpec, error) {
	needle := strings.ToLower(strings.TrimSpace(ref))
	if needle == "" {
		return ModelSpec{}, fmt.Errorf("empty model ref")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if spec, ok := r.models[needle]; ok {
		return spec, nil
	}

	// Bare model id without the provider prefix.
	for _, key := range r.order {
		spec := r.models[key]
		if strings.EqualFold(spec.ID, needle) {
			return spec, nil
		}
	}

	type candidate struct {
		key  string
		dist int
	}
	var cands []candidate
	for _, key := range r.order {
		d := matchr.DamerauLevenshtein(needle, key)
		if id := strings.ToLower(r.models[key].ID); id != "" {
			if d2 := matchr.DamerauLevenshtein(needle, id); d2 < d {
				d = d2
			}
		}
		if d <= maxDistance {
			cands = append(cands, candidate{key, d})
		}
	}
	if len(cands) == 0 {
		return ModelSpec{}, fmt.Errorf("unknown model ref %q", ref)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].key < cands[j].key
	})
	if len(cands) > 1 && cands[0].dist == cands[1].dist {
		return ModelSpec{}, fmt.Errorf("ambiguous model ref %q (candidates: %s, %s)",
			ref, cands[0].key, cands[1].key)
	}
	return r.models[cands[0].key], nil
}

// SelectForModality returns enabled models that declare the modality, in
// registration order. Used to pick a capable model for media-bearing turns
// and to list degradation candidates when none exists.
func (r *Registry) SelectForModality(modality string) []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelSpec
	for _, key := range r.order {
		spec := r.models[key]
		if spec.Disabled {
			continue
		}
		if spec.SupportsInput(modality) {
			out = append(out, spec)
		}
	}
	return out
}
