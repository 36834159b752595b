package template

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var errLayerSkipped = errors.New("layer input missing")

// PersonalizerConfig holds inputs for the role layer.
type PersonalizerConfig struct {
	// AppBaseURL prefixes dashboard and support links.
	AppBaseURL string
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Personalizer layers user, role and time-of-day fields onto request data.
// Later layers win on key collisions; a failing layer is skipped.
type Personalizer struct {
	baseURL string
	now     func() time.Time
}

// NewPersonalizer creates a Personalizer.
func NewPersonalizer(cfg PersonalizerConfig) *Personalizer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Personalizer{
		baseURL: strings.TrimRight(cfg.AppBaseURL, "/"),
		now:     cfg.Now,
	}
}

type layer struct {
	name  string
	apply func(role string, ctx map[string]any) (map[string]any, error)
}

// Personalize returns the merged render context and whether user-specific
// data was applied. The input maps are not modified.
func (p *Personalizer) Personalize(data, ctx map[string]any, role string) (map[string]any, bool) {
	merged := make(map[string]any, len(data)+16)
	for k, v := range data {
		merged[k] = v
	}

	personalized := false
	layers := []layer{
		{"user", p.userLayer},
		{"role", p.roleLayer},
		{"time", p.timeLayer},
	}
	for _, l := range layers {
		fields, err := l.apply(role, ctx)
		if err != nil {
			if !errors.Is(err, errLayerSkipped) {
				slog.Warn("personalization layer skipped", "layer", l.name, "error", err)
			}
			continue
		}
		for k, v := range fields {
			merged[k] = v
		}
		if l.name == "user" {
			personalized = true
		}
	}

	return merged, personalized
}

func userContext(ctx map[string]any) (map[string]any, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx["user"]
	if !ok || u == nil {
		return nil, false
	}
	m, err := cast.ToStringMapE(u)
	if err != nil || len(m) == 0 {
		return nil, false
	}
	return m, true
}

func (p *Personalizer) userLayer(_ string, ctx map[string]any) (map[string]any, error) {
	user, ok := userContext(ctx)
	if !ok {
		return nil, errLayerSkipped
	}

	first := cast.ToString(user["firstName"])
	last := cast.ToString(user["lastName"])
	full := strings.TrimSpace(first + " " + last)
	if full == "" {
		full = cast.ToString(user["name"])
	}
	name := first
	if name == "" {
		name = full
	}

	greeting := "Hello"
	if name != "" {
		greeting = "Hello " + name
	}

	return map[string]any{
		"user":             user,
		"userName":         name,
		"userFirstName":    first,
		"userLastName":     last,
		"userFullName":     full,
		"userEmail":        cast.ToString(user["email"]),
		"personalGreeting": greeting,
	}, nil
}

func (p *Personalizer) roleLayer(role string, ctx map[string]any) (map[string]any, error) {
	if role == "" {
		return nil, errLayerSkipped
	}

	role = strings.ToLower(role)
	fields := map[string]any{
		"roleTitle":    cases.Title(language.English).String(role),
		"dashboardUrl": fmt.Sprintf("%s/dashboard/%s", p.baseURL, role),
		"supportUrl":   p.baseURL + "/support",
	}

	user, _ := userContext(ctx)
	pick := func(keys ...string) {
		for _, k := range keys {
			if v, ok := user[k]; ok && v != nil {
				fields[k] = v
			}
		}
	}

	switch role {
	case RoleDoctor:
		pick("specialization", "licenseNumber")
	case RolePharmacist:
		pick("pharmacyName", "pharmacyId")
	case RolePatient:
		pick("patientId", "preferredPharmacy")
	case RoleAdmin:
		pick("adminScope")
	}

	return fields, nil
}

func (p *Personalizer) timeLayer(_ string, ctx map[string]any) (map[string]any, error) {
	now := p.now()
	if tz := cast.ToString(ctx["timezone"]); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
		}
		now = now.In(loc)
	}

	tod := TimeOfDay(now)
	weekday := now.Weekday()
	return map[string]any{
		"timeOfDay":    tod,
		"timeGreeting": timeGreetings[tod],
		"dayOfWeek":    weekday.String(),
		"season":       Season(now),
		"isWeekend":    weekday == time.Saturday || weekday == time.Sunday,
	}, nil
}

var timeGreetings = map[string]string{
	"morning":   "Good morning",
	"afternoon": "Good afternoon",
	"evening":   "Good evening",
	"night":     "Good night",
}

// TimeOfDay buckets t into morning, afternoon, evening or night.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 21:
		return "evening"
	default:
		return "night"
	}
}

// Season returns the northern-hemisphere meteorological season of t.
func Season(t time.Time) string {
	switch t.Month() {
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	case time.September, time.October, time.November:
		return "autumn"
	default:
		return "winter"
	}
}
