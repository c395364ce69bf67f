package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"

	"ragdesk/internal/metrics"
	"ragdesk/internal/models"
	"ragdesk/internal/redis"
)

// ErrInvalidOption marks processing options outside the advertised ranges.
var ErrInvalidOption = errors.New("invalid processing option")

const cacheKey = "capability:config"

// Source fetches the live capability descriptor.
type Source interface {
	Config(ctx context.Context) (*models.Capabilities, error)
}

// Registry answers capability lookups. Every call tries the live source; on
// failure the last descriptor seen live is served from redis when available,
// then the built-in defaults.
type Registry struct {
	source Source
	cache  *redis.Client
}

// New builds a registry. cache may be nil.
func New(source Source, cache *redis.Client) *Registry {
	return &Registry{source: source, cache: cache}
}

// Builtin returns the descriptor served when the retrieval service is offline.
func Builtin() *models.Capabilities {
	return &models.Capabilities{
		Defaults: models.Options{
			ExtractorMode: "text",
			ChunkerMode:   "semantic",
			MergeWindow:   0,
		},
		Ranges: models.OptionRange{
			ExtractorModes:   []string{"text", "vision"},
			ChunkerModes:     []string{"semantic", "agentic"},
			MergeWindowRange: [2]int{0, 5},
		},
	}
}

// GetConfig never fails; it always returns a usable descriptor.
func (r *Registry) GetConfig(ctx context.Context) *models.Capabilities {
	if r.source != nil {
		caps, err := r.source.Config(ctx)
		if err == nil {
			err = validate(caps)
		}
		if err == nil {
			r.remember(ctx, caps)
			return caps
		}
		log.Printf("capability: live config unavailable: %v", err)
	}
	if caps := r.lastKnown(ctx); caps != nil {
		metrics.CapabilityFallbacks.WithLabelValues("cache").Inc()
		return caps
	}
	metrics.CapabilityFallbacks.WithLabelValues("builtin").Inc()
	return Builtin()
}

func (r *Registry) remember(ctx context.Context, caps *models.Capabilities) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey, raw, 0); err != nil {
		log.Printf("capability: cache store failed: %v", err)
	}
}

func (r *Registry) lastKnown(ctx context.Context) *models.Capabilities {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("capability: cache read failed: %v", err)
		}
		return nil
	}
	var caps models.Capabilities
	if err := json.Unmarshal([]byte(raw), &caps); err != nil || validate(&caps) != nil {
		return nil
	}
	caps.Live = false
	return &caps
}

func validate(caps *models.Capabilities) error {
	if caps == nil {
		return errors.New("empty capability descriptor")
	}
	rng := caps.Ranges
	if len(rng.ExtractorModes) == 0 || len(rng.ChunkerModes) == 0 {
		return errors.New("capability descriptor lists no modes")
	}
	if rng.MergeWindowRange[0] > rng.MergeWindowRange[1] {
		return fmt.Errorf("merge window range %v is inverted", rng.MergeWindowRange)
	}
	def := caps.Defaults
	if !slices.Contains(rng.ExtractorModes, def.ExtractorMode) {
		return fmt.Errorf("default extractor mode %q is not advertised", def.ExtractorMode)
	}
	if !slices.Contains(rng.ChunkerModes, def.ChunkerMode) {
		return fmt.Errorf("default chunker mode %q is not advertised", def.ChunkerMode)
	}
	if def.MergeWindow < rng.MergeWindowRange[0] || def.MergeWindow > rng.MergeWindowRange[1] {
		return fmt.Errorf("default merge window %d is outside %v", def.MergeWindow, rng.MergeWindowRange)
	}
	return nil
}

// Request is a caller's processing choice. Empty modes and a nil merge window
// take the advertised defaults.
type Request struct {
	ExtractorMode string `json:"extractor_mode"`
	ChunkerMode   string `json:"chunker_mode"`
	MergeWindow   *int   `json:"merge_window"`
	RechunkOnly   bool   `json:"rechunk_only"`
}

// Normalize resolves req against caps. Unknown modes are rejected, the merge
// window is clamped into range. With RechunkOnly the extractor is ignored.
func Normalize(req Request, caps *models.Capabilities) (models.Options, error) {
	if caps == nil {
		caps = Builtin()
	}
	opts := models.Options{
		ExtractorMode: req.ExtractorMode,
		ChunkerMode:   req.ChunkerMode,
		MergeWindow:   caps.Defaults.MergeWindow,
		RechunkOnly:   req.RechunkOnly,
	}
	if opts.ExtractorMode == "" || opts.RechunkOnly {
		opts.ExtractorMode = caps.Defaults.ExtractorMode
	}
	if opts.ChunkerMode == "" {
		opts.ChunkerMode = caps.Defaults.ChunkerMode
	}
	if !slices.Contains(caps.Ranges.ExtractorModes, opts.ExtractorMode) {
		return models.Options{}, fmt.Errorf("%w: extractor mode %q", ErrInvalidOption, opts.ExtractorMode)
	}
	if !slices.Contains(caps.Ranges.ChunkerModes, opts.ChunkerMode) {
		return models.Options{}, fmt.Errorf("%w: chunker mode %q", ErrInvalidOption, opts.ChunkerMode)
	}
	if req.MergeWindow != nil {
		opts.MergeWindow = *req.MergeWindow
	}
	lo, hi := caps.Ranges.MergeWindowRange[0], caps.Ranges.MergeWindowRange[1]
	opts.MergeWindow = min(max(opts.MergeWindow, lo), hi)
	return opts, nil
}
