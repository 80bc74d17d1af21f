package cache

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/types"
)

// PredictorConfig controls pattern tracking and scoring.
type PredictorConfig struct {
	// WindowSize bounds the access timestamps kept per key.
	WindowSize int

	// StaleAfter is how long a pattern may go untouched before GC drops it.
	StaleAfter time.Duration

	// SmoothingAlpha weights new observations in the accuracy EWMA.
	SmoothingAlpha float64

	// MinTTL and MaxTTL clamp OptimalTTL recommendations.
	MinTTL time.Duration
	MaxTTL time.Duration
}

// Action is the predictor's recommendation for a key.
type Action string

const (
	ActionPreload Action = "preload"
	ActionPromote Action = "promote"
	ActionEvict   Action = "evict"
	ActionIgnore  Action = "ignore"
)

// Prediction is one scored key.
type Prediction struct {
	Key         string
	Probability float64
	Confidence  float64
	Behavior    types.BehaviorClass
	Action      Action
}

// pattern is the per-key access history. Timestamps are a bounded window,
// oldest first; frequency counts every access, including those the window
// no longer holds.
type pattern struct {
	key        string
	timestamps []time.Time
	frequency  int64
	lastAccess time.Time
}

// Predictor mines per-key access histories into reuse probabilities,
// behavior classes, and TTL recommendations. All scoring is computed from
// the recorded timestamps; the predictor never touches the cache itself.
type Predictor struct {
	mu       sync.Mutex
	config   PredictorConfig
	clock    types.Clock
	logger   *logging.Logger
	patterns map[string]*pattern

	// accuracy is an EWMA over RecordOutcome observations, used to damp
	// confidence when recent predictions have been missing.
	accuracy     float64
	observations int64
}

// NewPredictor creates a predictor; zero config fields get defaults.
func NewPredictor(config PredictorConfig, clock types.Clock, logger *logging.Logger) *Predictor {
	if config.WindowSize <= 0 {
		config.WindowSize = 50
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 24 * time.Hour
	}
	if config.SmoothingAlpha <= 0 || config.SmoothingAlpha > 1 {
		config.SmoothingAlpha = 0.2
	}
	if config.MinTTL <= 0 {
		config.MinTTL = time.Minute
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = 2 * time.Hour
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Predictor{
		config:   config,
		clock:    clock,
		logger:   logger.WithComponent("predictor"),
		patterns: make(map[string]*pattern),
		accuracy: 0.5,
	}
}

// TrackAccess records one access to key.
func (p *Predictor) TrackAccess(key string) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	pat, exists := p.patterns[key]
	if !exists {
		pat = &pattern{key: key}
		p.patterns[key] = pat
	}
	pat.timestamps = append(pat.timestamps, now)
	if len(pat.timestamps) > p.config.WindowSize {
		pat.timestamps = pat.timestamps[len(pat.timestamps)-p.config.WindowSize:]
	}
	pat.frequency++
	pat.lastAccess = now
}

// Behavior classifies the access pattern for key. Keys with fewer than
// three recorded accesses are random: there are not enough intervals to
// tell regular from bursty.
func (p *Predictor) Behavior(key string) types.BehaviorClass {
	p.mu.Lock()
	defer p.mu.Unlock()

	pat, exists := p.patterns[key]
	if !exists {
		return types.BehaviorRandom
	}
	return classify(pat.timestamps)
}

// classify derives the behavior class from interval regularity. Regular
// short gaps mean list-walk style sequential access; regular long gaps
// mean a periodic dashboard-style revisit; irregular gaps are random.
func classify(timestamps []time.Time) types.BehaviorClass {
	mean, stddev, ok := intervalStats(timestamps)
	if !ok {
		return types.BehaviorRandom
	}

	cv := stddev / mean
	if cv >= 0.5 {
		return types.BehaviorRandom
	}
	if mean < (5 * time.Minute).Seconds() {
		return types.BehaviorSequential
	}
	return types.BehaviorCyclical
}

// intervalStats returns the mean and standard deviation of inter-access
// gaps in seconds. ok is false with fewer than two intervals.
func intervalStats(timestamps []time.Time) (mean, stddev float64, ok bool) {
	if len(timestamps) < 3 {
		return 0, 0, false
	}

	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i].Sub(timestamps[i-1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean = sum / float64(len(intervals))
	if mean <= 0 {
		return 0, 0, false
	}

	var variance float64
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	return mean, math.Sqrt(variance), true
}

// ReuseProbability scores how likely key is to be accessed again soon,
// in [0, 1]. The score blends temporal proximity to the predicted next
// access, overall frequency, and recency, scaled by the behavior class.
func (p *Predictor) ReuseProbability(key string) float64 {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	pat, exists := p.patterns[key]
	if !exists {
		return 0
	}
	return p.scoreLocked(pat, now)
}

func (p *Predictor) scoreLocked(pat *pattern, now time.Time) float64 {
	mean, _, ok := intervalStats(pat.timestamps)
	if !ok {
		// Too little history: frequency and recency only, damped.
		elapsed := now.Sub(pat.lastAccess).Seconds()
		recency := 1.0 / (1.0 + elapsed/60.0)
		freq := math.Min(1.0, float64(pat.frequency)/10.0)
		return clamp01(0.3*freq + 0.3*recency)
	}

	behavior := classify(pat.timestamps)
	elapsed := now.Sub(pat.lastAccess).Seconds()

	// Proximity peaks when now is near the predicted next access
	// (lastAccess plus the mean interval) and falls off on either side.
	proximity := 1.0 - math.Abs(elapsed-mean)/mean
	proximity = clamp01(proximity)

	frequency := math.Min(1.0, float64(pat.frequency)/10.0)

	// Recency halves every mean interval past the last access.
	recency := math.Exp2(-elapsed / mean)

	score := (0.4*proximity + 0.3*frequency + 0.3*recency) * behavior.Multiplier()
	return clamp01(score)
}

// Confidence reports how much weight a caller should give key's score:
// sample coverage of the window, damped by the global accuracy EWMA.
func (p *Predictor) Confidence(key string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	pat, exists := p.patterns[key]
	if !exists {
		return 0
	}
	coverage := float64(len(pat.timestamps)) / float64(p.config.WindowSize)
	return clamp01(coverage * (0.5 + 0.5*p.accuracy))
}

// RecordOutcome feeds back whether a predicted reuse actually happened,
// adjusting the accuracy EWMA that damps future confidence.
func (p *Predictor) RecordOutcome(hit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	observed := 0.0
	if hit {
		observed = 1.0
	}
	p.accuracy = p.config.SmoothingAlpha*observed + (1-p.config.SmoothingAlpha)*p.accuracy
	p.observations++
}

// Accuracy returns the current accuracy EWMA.
func (p *Predictor) Accuracy() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accuracy
}

// RankPredictions scores every tracked key and returns recommendations
// sorted by probability, highest first. A positive limit truncates the
// result.
func (p *Predictor) RankPredictions(limit int) []Prediction {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	predictions := make([]Prediction, 0, len(p.patterns))
	for key, pat := range p.patterns {
		prob := p.scoreLocked(pat, now)
		coverage := float64(len(pat.timestamps)) / float64(p.config.WindowSize)
		pred := Prediction{
			Key:         key,
			Probability: prob,
			Confidence:  clamp01(coverage * (0.5 + 0.5*p.accuracy)),
			Behavior:    classify(pat.timestamps),
		}
		pred.Action = recommend(prob, pat.frequency)
		predictions = append(predictions, pred)
	}

	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].Probability > predictions[j].Probability
	})
	if limit > 0 && len(predictions) > limit {
		predictions = predictions[:limit]
	}
	return predictions
}

func recommend(probability float64, frequency int64) Action {
	switch {
	case probability > 0.8:
		return ActionPreload
	case probability > 0.6 && frequency > 5:
		return ActionPromote
	case probability < 0.2 && frequency < 2:
		return ActionEvict
	default:
		return ActionIgnore
	}
}

// OptimalTTL recommends a TTL for key from its observed access cadence,
// clamped to the configured bounds. Returns 0 when there is not enough
// history; callers fall back to their default.
func (p *Predictor) OptimalTTL(key string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	pat, exists := p.patterns[key]
	if !exists {
		return 0
	}
	mean, _, ok := intervalStats(pat.timestamps)
	if !ok {
		return 0
	}

	behavior := classify(pat.timestamps)
	ttl := time.Duration(0.8 * mean * behavior.Multiplier() * float64(time.Second))
	if ttl < p.config.MinTTL {
		return p.config.MinTTL
	}
	if ttl > p.config.MaxTTL {
		return p.config.MaxTTL
	}
	return ttl
}

// SelectForEviction picks keys whose removal frees at least targetBytes,
// preferring the least likely to be reused. Critical entries and entries
// scoring above 0.7 are never selected.
func (p *Predictor) SelectForEviction(entries []types.Entry, targetBytes int64) []string {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	type candidate struct {
		key   string
		score float64
		size  int64
	}

	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if e.Priority == types.PriorityCritical {
			continue
		}
		score := 0.0
		if pat, exists := p.patterns[e.Key]; exists {
			score = p.scoreLocked(pat, now)
		}
		if score > 0.7 {
			continue
		}
		candidates = append(candidates, candidate{key: e.Key, score: score, size: e.Size})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	var selected []string
	freed := int64(0)
	for _, c := range candidates {
		if freed >= targetBytes {
			break
		}
		selected = append(selected, c.key)
		freed += c.size
	}
	return selected
}

// RemoveStale drops patterns untouched for longer than StaleAfter,
// returning how many were removed.
func (p *Predictor) RemoveStale() int {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, pat := range p.patterns {
		if now.Sub(pat.lastAccess) > p.config.StaleAfter {
			delete(p.patterns, key)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("dropped stale access patterns", map[string]interface{}{
			"count": removed,
		})
	}
	return removed
}

// TrackedKeys returns how many keys have recorded patterns.
func (p *Predictor) TrackedKeys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patterns)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
