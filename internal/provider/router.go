package provider

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnavailable means no provider can be routed to and no default exists.
var ErrUnavailable = errors.New("no provider available")

// latencyAlpha is the smoothing factor of the latency moving average.
const latencyAlpha = 0.2

// Provider is one interchangeable AI backend.
type Provider struct {
	Name     string
	Weight   int
	Endpoint string
	APIKey   string
}

// Configured reports whether the provider has what it needs to be called.
func (p Provider) Configured() bool {
	return p.Endpoint != "" && p.APIKey != "" && p.Weight > 0
}

// FromConfig builds providers from per-name weight, endpoint and key maps.
func FromConfig(weights map[string]int, endpoints, keys map[string]string) []Provider {
	names := make(map[string]struct{})
	for n := range weights {
		names[n] = struct{}{}
	}
	for n := range endpoints {
		names[n] = struct{}{}
	}
	out := make([]Provider, 0, len(names))
	for n := range names {
		out = append(out, Provider{Name: n, Weight: weights[n], Endpoint: endpoints[n], APIKey: keys[n]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type HealthView struct {
	Healthy             bool    `json:"healthy"`
	LatencyMSP50        float64 `json:"latency_ms_p50"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CircuitOpen         bool    `json:"circuit_open"`
	Calls               int64   `json:"calls"`
}

type Options struct {
	// Default is used when no provider is eligible.
	Default          string
	FailureThreshold int
	Cooldown         time.Duration
	Store            HealthStore
	Seed             int64
}

type RunFunc func(ctx context.Context, provider string) error

// FallbackFunc handles a failed call instead of propagating its error.
type FallbackFunc func(ctx context.Context, provider string, err error) error

// Router does weighted random selection over providers whose circuit is
// closed. Weights are static and never adjusted by health.
type Router struct {
	providers []Provider
	def       string
	threshold int
	cooldown  time.Duration
	store     HealthStore

	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func NewRouter(providers []Provider, opts Options) *Router {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.Store == nil {
		opts.Store = NewMemoryHealthStore()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Router{
		providers: providers,
		def:       opts.Default,
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		store:     opts.Store,
		rnd:       rand.New(rand.NewSource(seed)),
		now:       time.Now,
	}
}

// Lookup returns the provider configuration by name.
func (r *Router) Lookup(name string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

func (r *Router) Pick(ctx context.Context) (string, error) {
	now := r.now()
	var (
		eligible []Provider
		total    int
	)
	for _, p := range r.providers {
		if !p.Configured() {
			continue
		}
		h, err := r.store.Load(ctx, p.Name)
		if err != nil {
			// health is advisory; an unreadable record does not exclude a provider
			log.Warn().Err(err).Str("provider", p.Name).Msg("load provider health")
		} else if h.open(now) {
			continue
		}
		eligible = append(eligible, p)
		total += p.Weight
	}

	if len(eligible) == 0 {
		if r.def != "" {
			return r.def, nil
		}
		return "", ErrUnavailable
	}

	r.mu.Lock()
	n := r.rnd.Intn(total)
	r.mu.Unlock()
	for _, p := range eligible {
		if n < p.Weight {
			return p.Name, nil
		}
		n -= p.Weight
	}
	return eligible[len(eligible)-1].Name, nil
}

// Call routes one invocation of run and records its outcome against the
// chosen provider.
func (r *Router) Call(ctx context.Context, run RunFunc, fallback FallbackFunc) error {
	name, err := r.Pick(ctx)
	if err != nil {
		return err
	}

	start := r.now()
	runErr := run(ctx, name)
	elapsed := r.now().Sub(start)

	if runErr == nil {
		r.recordSuccess(ctx, name, elapsed)
		return nil
	}

	r.recordFailure(ctx, name, runErr)
	if fallback != nil {
		return fallback(ctx, name, runErr)
	}
	return runErr
}

func (r *Router) recordSuccess(ctx context.Context, name string, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	_, err := r.store.Update(ctx, name, func(h *Health) {
		h.Calls++
		h.ConsecutiveFailures = 0
		h.Healthy = true
		h.OpenUntil = time.Time{}
		if h.LatencyMS == 0 {
			h.LatencyMS = ms
		} else {
			h.LatencyMS = latencyAlpha*ms + (1-latencyAlpha)*h.LatencyMS
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("record provider success")
	}
}

func (r *Router) recordFailure(ctx context.Context, name string, cause error) {
	now := r.now()
	h, err := r.store.Update(ctx, name, func(h *Health) {
		h.Calls++
		h.ConsecutiveFailures++
		h.LastError = cause.Error()
		if h.ConsecutiveFailures >= r.threshold {
			h.Healthy = false
			h.OpenUntil = now.Add(r.cooldown)
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("record provider failure")
		return
	}
	if h.open(now) && h.ConsecutiveFailures == r.threshold {
		log.Warn().
			Str("provider", name).
			Int("failures", h.ConsecutiveFailures).
			Time("open_until", h.OpenUntil).
			Msg("provider circuit opened")
	}
}

// Snapshot reports health for every known provider.
func (r *Router) Snapshot(ctx context.Context) (map[string]HealthView, error) {
	now := r.now()
	out := make(map[string]HealthView, len(r.providers))
	for _, p := range r.providers {
		h, err := r.store.Load(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		open := h.open(now)
		out[p.Name] = HealthView{
			Healthy:             !open && h.Healthy,
			LatencyMSP50:        h.LatencyMS,
			ConsecutiveFailures: h.ConsecutiveFailures,
			CircuitOpen:         open,
			Calls:               h.Calls,
		}
	}
	return out, nil
}
