package template

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"medinotify/internal/common"
)

// DefaultLanguage is assumed for variants that do not declare a language.
const DefaultLanguage = "en"

// Repository provides templates by logical type.
type Repository interface {
	// Get returns the latest version of the template for templateType.
	Get(ctx context.Context, templateType string) (*Template, error)
}

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps every registered version of each template type.
type MemoryRepository struct {
	mu        sync.RWMutex
	templates map[string][]*Template // sorted by version ascending
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{templates: make(map[string][]*Template)}
}

// Register adds a template version, replacing an existing one with the same version.
func (r *MemoryRepository) Register(t *Template) error {
	if t == nil || t.Type == "" {
		return common.NewValidationError("template type is required")
	}
	if len(t.Variants) == 0 {
		return common.NewValidationError(fmt.Sprintf("template %s has no variants", t.Type))
	}
	for i, v := range t.Variants {
		if !v.Channel.IsValid() {
			return common.NewValidationError(fmt.Sprintf("template %s variant %d: unsupported channel %q", t.Type, i, v.Channel))
		}
		if v.Language == "" {
			t.Variants[i].Language = DefaultLanguage
		}
	}
	if t.ID == "" {
		t.ID = t.Type
	}
	if t.Version <= 0 {
		t.Version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.templates[t.Type]
	for i, existing := range versions {
		if existing.Version == t.Version {
			versions[i] = t
			return nil
		}
	}
	versions = append(versions, t)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	r.templates[t.Type] = versions
	return nil
}

// Get returns the highest version registered for templateType.
func (r *MemoryRepository) Get(_ context.Context, templateType string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.templates[templateType]
	if len(versions) == 0 {
		return nil, common.NewTemplateNotFoundError(templateType)
	}
	return versions[len(versions)-1], nil
}

// Types lists the registered template types.
func (r *MemoryRepository) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.templates))
	for t := range r.templates {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ResolveVariant picks the best variant for the request, preferring in order:
// the exact role over any role, the requested language over the fallback,
// and the A/B group variant over the ungrouped one.
func (t *Template) ResolveVariant(channel Channel, role, lang, fallbackLang, group string) (Variant, bool) {
	roles := []string{role}
	if role != AnyRole {
		roles = append(roles, AnyRole)
	}
	langs := []string{lang}
	if fallbackLang != "" && fallbackLang != lang {
		langs = append(langs, fallbackLang)
	}
	groups := []string{""}
	if group != "" {
		groups = []string{group, ""}
	}

	for _, r := range roles {
		for _, l := range langs {
			for _, g := range groups {
				for _, v := range t.Variants {
					if v.Channel == channel && v.Role == r && v.Language == l && v.ABGroup == g {
						return v, true
					}
				}
			}
		}
	}
	return Variant{}, false
}
