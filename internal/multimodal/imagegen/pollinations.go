package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

// minImageBytes rejects tiny bodies, which are error pages rather than images.
const minImageBytes = 100

type PollinationsConfig struct {
	BaseURL string // default: "https://image.pollinations.ai"
	Model   string // default: "flux"
	Token   string // optional; raises rate limits
}

// Pollinations fetches images from a GET endpoint. No key is required.
type Pollinations struct {
	cfg        PollinationsConfig
	httpClient *http.Client
}

func NewPollinations(cfg PollinationsConfig) *Pollinations {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://image.pollinations.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "flux"
	}
	return &Pollinations{cfg: cfg, httpClient: &http.Client{Timeout: 90 * time.Second}}
}

func (p *Pollinations) Name() string { return "pollinations" }

func (p *Pollinations) Generate(ctx context.Context, req Request) (*Image, error) {
	w, h := Dimensions(req.AspectRatio)
	q := url.Values{}
	q.Set("width", strconv.Itoa(w))
	q.Set("height", strconv.Itoa(h))
	q.Set("nologo", "true")
	q.Set("model", p.cfg.Model)
	q.Set("seed", strconv.FormatInt(req.Seed, 10))

	imageURL := fmt.Sprintf("%s/prompt/%s?%s", strings.TrimRight(p.cfg.BaseURL, "/"), url.PathEscape(FullPrompt(req)), q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", "lessonreel/1.0")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pollinations request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pollinations: %w", retry.NewStatusError("pollinations", resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read image: %w", err))
	}
	mime := http.DetectContentType(data)
	if len(data) < minImageBytes || !strings.HasPrefix(mime, "image/") {
		return nil, retry.Transient(fmt.Errorf("pollinations returned %d bytes of %s: %w", len(data), mime, retry.ErrEmptyResponse))
	}
	return &Image{Data: data, MIME: mime}, nil
}
