package template

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/text/language"

	"medinotify/internal/common"
)

// ServiceConfig configures the render pipeline.
type ServiceConfig struct {
	DefaultLanguage string
	Now             func() time.Time
}

// Service runs the render pipeline: cache, template lookup, A/B assignment,
// compile, personalize, render and channel post-processing.
type Service struct {
	repo         Repository
	cache        Cache
	abTests      *ABTestAssigner
	personalizer *Personalizer
	post         *PostProcessor
	compiler     *Compiler
	renderer     *Renderer
	defaultLang  string
	now          func() time.Time
}

// NewService creates a render pipeline. cache may be nil to disable caching.
func NewService(repo Repository, cache Cache, abTests *ABTestAssigner, personalizer *Personalizer, post *PostProcessor, cfg ServiceConfig) *Service {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if abTests == nil {
		abTests = NewABTestAssigner()
	}
	if personalizer == nil {
		personalizer = NewPersonalizer(PersonalizerConfig{Now: cfg.Now})
	}
	if post == nil {
		post = NewPostProcessor(PostProcessConfig{Now: cfg.Now})
	}
	return &Service{
		repo:         repo,
		cache:        cache,
		abTests:      abTests,
		personalizer: personalizer,
		post:         post,
		compiler:     NewCompiler(),
		renderer:     NewRenderer(),
		defaultLang:  cfg.DefaultLanguage,
		now:          cfg.Now,
	}
}

// Render produces channel-ready content for req.
func (s *Service) Render(ctx context.Context, req *RenderRequest) (*RenderResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	lang := s.resolveLanguage(req)
	useCache := s.cache != nil && !req.Options.BypassCache
	key := CacheKey(req, lang)

	if useCache {
		cached, ok, err := s.cache.Get(key)
		if err != nil {
			slog.Warn("render cache read failed, rendering uncached",
				"error", &common.CacheUnavailableError{Op: "get", Err: err},
				"template_type", req.TemplateType,
			)
		} else if ok {
			return s.finish(req, cached, true)
		}
	}

	tmpl, err := s.repo.Get(ctx, req.TemplateType)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", req.TemplateType, err)
	}

	group := req.Options.ABTestOverride
	if group == "" {
		group, _ = s.abTests.Assign(req.UserID, TestKey(req.TemplateType, req.Channel, req.UserRole))
	}

	variant, ok := tmpl.ResolveVariant(req.Channel, req.UserRole, lang, s.defaultLang, group)
	if !ok {
		return nil, &common.TemplateNotFoundError{
			TemplateType: req.TemplateType,
			Channel:      string(req.Channel),
			Role:         req.UserRole,
			Language:     lang,
		}
	}

	compiled, err := s.compiler.Compile(tmpl.ID, tmpl.Version, variant)
	if err != nil {
		return nil, err
	}

	data, personalized := s.personalizer.Personalize(req.Data, req.Context, req.UserRole)
	content := s.renderer.RenderVariant(compiled, data)

	// Cached results hold channel-neutral content; finish post-processes.
	result := &RenderResult{
		TemplateID: tmpl.ID,
		Channel:    req.Channel,
		Content:    content,
		category:   tmpl.Category,
		Metadata: Metadata{
			Personalized:    personalized,
			Language:        variant.Language,
			ABGroup:         group,
			TemplateVersion: tmpl.Version,
			RenderedAt:      s.now().UTC(),
		},
	}

	if useCache {
		if err := s.cache.Set(key, result); err != nil {
			slog.Warn("render cache write failed",
				"error", &common.CacheUnavailableError{Op: "set", Err: err},
				"template_type", req.TemplateType,
			)
		}
	}

	slog.Debug("template rendered",
		"template_id", tmpl.ID,
		"version", tmpl.Version,
		"channel", req.Channel,
		"language", variant.Language,
		"ab_group", group,
		"complexity", compiled.Body.Complexity,
	)

	return s.finish(req, result, false)
}

// finish post-processes a rendered result for req's channel.
func (s *Service) finish(req *RenderRequest, base *RenderResult, cacheHit bool) (*RenderResult, error) {
	content, err := s.post.Process(req.Channel, base.Content, ProcessMeta{
		TemplateType: req.TemplateType,
		Category:     base.category,
		Priority:     req.Priority,
		Data:         req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("post-processing %s content: %w", req.Channel, err)
	}

	out := *base
	out.Content = content
	out.Metadata.CacheHit = cacheHit
	return &out, nil
}

// ServiceStats reports compiler and cache state.
type ServiceStats struct {
	Compiler CompilerStats `json:"compiler"`
	Cache    *CacheStats   `json:"cache,omitempty"`
}

// Stats returns compiler and cache counters.
func (s *Service) Stats() ServiceStats {
	out := ServiceStats{Compiler: s.compiler.Stats()}
	if sc, ok := s.cache.(interface{ Stats() CacheStats }); ok {
		cs := sc.Stats()
		out.Cache = &cs
	}
	return out
}

// ABTests exposes the assigner so tests can be registered at startup.
func (s *Service) ABTests() *ABTestAssigner {
	return s.abTests
}

func validateRequest(req *RenderRequest) error {
	if req == nil {
		return common.NewValidationError("render request is required")
	}
	if strings.TrimSpace(req.TemplateType) == "" {
		return common.NewValidationError("template_type is required")
	}
	if !req.Channel.IsValid() {
		return common.NewValidationError(fmt.Sprintf("unsupported channel: %q", req.Channel))
	}
	if strings.TrimSpace(req.UserID) == "" {
		return common.NewValidationError("user_id is required")
	}
	return nil
}

// resolveLanguage normalizes the requested language to its base subtag,
// falling back to the user's preference and then the default.
func (s *Service) resolveLanguage(req *RenderRequest) string {
	candidates := []string{req.Language}
	if user, ok := userContext(req.Context); ok {
		candidates = append(candidates, cast.ToString(user["language"]))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		tag, err := language.Parse(c)
		if err != nil {
			continue
		}
		base, _ := tag.Base()
		return base.String()
	}
	return s.defaultLang
}
