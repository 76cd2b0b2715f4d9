// Package imagegen generates still illustrations from text prompts through
// interchangeable backends.
package imagegen

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nikhilbhutani/lessonreel/internal/config"
)

// Request holds the parameters for one illustration.
type Request struct {
	Prompt      string
	Style       string
	AspectRatio string // "16:9", "9:16" or "1:1"
	// Seed makes backends that support it deterministic per scene.
	Seed int64
}

// Image is a generated illustration.
type Image struct {
	Data          []byte
	MIME          string
	RevisedPrompt string
}

type Provider interface {
	Generate(ctx context.Context, req Request) (*Image, error)
	Name() string
}

// Dimensions returns the output size in pixels for an aspect ratio.
// Unknown ratios are treated as 16:9.
func Dimensions(aspect string) (width, height int) {
	switch aspect {
	case "9:16":
		return 720, 1280
	case "1:1":
		return 1024, 1024
	default:
		return 1280, 720
	}
}

// FullPrompt joins the scene description with the run-wide visual style.
func FullPrompt(req Request) string {
	p := strings.TrimSpace(req.Prompt)
	if s := strings.TrimSpace(req.Style); s != "" {
		p += ". Style: " + s
	}
	return p + ". No text, letters or watermarks."
}

// Registry holds the configured providers. A run picks one by name.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider), fallback: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// FromConfig registers every provider cfg has credentials for. Pollinations
// needs none and is always available.
func FromConfig(cfg config.ImageConfig) (*Registry, error) {
	providers := []Provider{NewPollinations(PollinationsConfig{BaseURL: cfg.PollinationsURL, Token: cfg.PollinationsKey})}
	if cfg.OpenAIKey != "" {
		providers = append(providers, NewOpenAIImages(OpenAIImagesConfig{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}))
	}
	r := NewRegistry(cfg.Provider, providers...)
	if _, err := r.Get(cfg.Provider); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("image provider %q not configured (have %s)", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
