package flow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Registry holds the loaded flows. It is immutable after NewRegistry.
type Registry struct {
	flows       map[string]*models.FlowDefinition
	defaultFlow string
}

// NewRegistry indexes defs by slug and checks every flow handoff target.
// The first definition is the default flow unless defaultSlug is set.
func NewRegistry(defaultSlug string, defs ...*models.FlowDefinition) (*Registry, error) {
	r := &Registry{flows: map[string]*models.FlowDefinition{}, defaultFlow: defaultSlug}
	var errs []error
	for _, d := range defs {
		if _, dup := r.flows[d.Slug]; dup {
			errs = append(errs, fmt.Errorf("duplicate flow slug %q", d.Slug))
			continue
		}
		r.flows[d.Slug] = d
		if r.defaultFlow == "" {
			r.defaultFlow = d.Slug
		}
	}

	for _, slug := range r.Slugs() {
		d := r.flows[slug]
		if h := d.Definition.Config.OnComplete; h != nil {
			errs = append(errs, r.checkHandoff(slug+".config.onComplete", h))
		}
		for _, stage := range sortedKeys(d.Definition.Stages) {
			if h := d.Definition.Stages[stage].OnComplete; h != nil {
				errs = append(errs, r.checkHandoff(slug+".stages."+stage+".onComplete", h))
			}
		}
	}
	if len(defs) > 0 {
		if _, ok := r.flows[r.defaultFlow]; !ok {
			errs = append(errs, fmt.Errorf("default flow %q is not loaded", r.defaultFlow))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	return r, nil
}

func (r *Registry) checkHandoff(where string, h *models.FlowHandoff) error {
	if _, ok := r.flows[h.Flow]; !ok {
		return fmt.Errorf("%s: handoff to unknown flow %q", where, h.Flow)
	}
	return nil
}

// Get returns the flow with slug, or the default flow when slug is empty.
func (r *Registry) Get(slug string) (*models.FlowDefinition, error) {
	if slug == "" {
		slug = r.defaultFlow
	}
	d, ok := r.flows[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, slug)
	}
	return d, nil
}

// Default returns the slug used when a turn names no flow.
func (r *Registry) Default() string { return r.defaultFlow }

// Slugs returns the loaded flow slugs in sorted order.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.flows))
	for k := range r.flows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// List returns the loaded flows sorted by slug.
func (r *Registry) List() []*models.FlowDefinition {
	out := make([]*models.FlowDefinition, 0, len(r.flows))
	for _, slug := range r.Slugs() {
		out = append(out, r.flows[slug])
	}
	return out
}
