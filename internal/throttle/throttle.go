// Package throttle spaces out calls to rate-limited remote services.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Service classes sharing one gate each.
const (
	ServiceText   = "text"
	ServiceSpeech = "speech"
	ServiceImage  = "image"
)

// Gate enforces a minimum gap between consecutive call issues. The slot is
// reserved when Wait is called, not when the remote call returns, so the gap
// measures issue rate. rate.Limiter guards the timestamp bookkeeping, so two
// callers can never both observe a stale slot and burst past the gap.
type Gate struct {
	name    string
	minGap  time.Duration
	limiter *rate.Limiter
}

func NewGate(name string, minGap time.Duration) *Gate {
	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	return &Gate{
		name:    name,
		minGap:  minGap,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until the caller may issue its call or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

func (g *Gate) Name() string { return g.name }

func (g *Gate) MinGap() time.Duration { return g.minGap }

// Registry hands out one explicitly owned Gate per service class. Pipelines
// receive a Registry instead of touching package-level state, so tests get
// isolated clocks.
type Registry struct {
	mu    sync.Mutex
	gaps  map[string]time.Duration
	gates map[string]*Gate
}

func NewRegistry(gaps map[string]time.Duration) *Registry {
	copied := make(map[string]time.Duration, len(gaps))
	for k, v := range gaps {
		copied[k] = v
	}
	return &Registry{
		gaps:  copied,
		gates: make(map[string]*Gate),
	}
}

// Gate returns the shared gate for class, creating it on first use. Classes
// without a configured gap get an unthrottled gate.
func (r *Registry) Gate(class string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gates[class]; ok {
		return g
	}
	g := NewGate(class, r.gaps[class])
	r.gates[class] = g
	return g
}
