// Package summary maintains in-memory streaming statistics per channel.
//
// Summaries are a live view over the ingest stream, not a second store:
// they are rebuilt empty on restart and answer "what has this channel seen
// this run" without touching the mapped file. Percentiles come from
// DDSketch, so memory per channel stays bounded regardless of volume.
package summary

import (
	"math"
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"

	"github.com/haysel/hayselnut/config"
)

// ChannelSummary holds running statistics for one (station, channel).
type ChannelSummary struct {
	mu sync.Mutex

	station uuid.UUID
	channel uuid.UUID

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTS uint64
	lastTS  uint64

	// sketch is nil when percentile tracking is disabled or the sketch
	// could not be constructed; everything else still works.
	sketch *ddsketch.DDSketch
}

// Result is a point-in-time copy of a channel's statistics.
type Result struct {
	Station uuid.UUID `json:"station"`
	Channel uuid.UUID `json:"channel"`

	Count   int64   `json:"count"`
	Sum     float64 `json:"sum"`
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	FirstTS uint64  `json:"first_ts"`
	LastTS  uint64  `json:"last_ts"`

	P50 float64 `json:"p50,omitempty"`
	P90 float64 `json:"p90,omitempty"`
	P99 float64 `json:"p99,omitempty"`
}

func newChannelSummary(station, channel uuid.UUID, accuracy float64) *ChannelSummary {
	s := &ChannelSummary{
		station: station,
		channel: channel,
		min:     math.MaxFloat64,
		max:     -math.MaxFloat64,
	}
	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			s.sketch = sketch
		}
	}
	return s
}

// Observe folds one accepted record into the summary.
func (s *ChannelSummary) Observe(ts uint64, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
	if s.count == 1 {
		s.firstTS = ts
	}
	if ts > s.lastTS {
		s.lastTS = ts
	}
	if s.sketch != nil {
		s.sketch.Add(value)
	}
}

// Result returns a copy of the current statistics.
func (s *ChannelSummary) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Result{
		Station: s.station,
		Channel: s.channel,
		Count:   s.count,
		Sum:     s.sum,
		FirstTS: s.firstTS,
		LastTS:  s.lastTS,
	}
	if s.count > 0 {
		r.Avg = s.sum / float64(s.count)
		r.Min = s.min
		r.Max = s.max
	}
	if s.sketch != nil && s.count > 0 {
		r.P50, _ = s.sketch.GetValueAtQuantile(0.50)
		r.P90, _ = s.sketch.GetValueAtQuantile(0.90)
		r.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	}
	return r
}

type key struct {
	station uuid.UUID
	channel uuid.UUID
}

// Registry tracks a ChannelSummary per channel seen this run.
type Registry struct {
	mu       sync.RWMutex
	accuracy float64
	channels map[key]*ChannelSummary
}

// NewRegistry creates a registry. accuracy is the DDSketch relative
// accuracy for percentiles; zero disables percentile tracking.
func NewRegistry(accuracy float64) *Registry {
	if accuracy < 0 {
		accuracy = config.DefaultSketchAccuracy
	}
	return &Registry{
		accuracy: accuracy,
		channels: make(map[key]*ChannelSummary),
	}
}

// Observe folds one accepted record into the channel's summary, creating
// the summary on first sight.
func (r *Registry) Observe(station, channel uuid.UUID, ts uint64, value float64) {
	k := key{station, channel}

	r.mu.RLock()
	s, ok := r.channels[k]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if s, ok = r.channels[k]; !ok {
			s = newChannelSummary(station, channel, r.accuracy)
			r.channels[k] = s
		}
		r.mu.Unlock()
	}
	s.Observe(ts, value)
}

// Channel returns the statistics for one channel. ok is false when the
// channel has not been seen this run.
func (r *Registry) Channel(station, channel uuid.UUID) (Result, bool) {
	r.mu.RLock()
	s, ok := r.channels[key{station, channel}]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return s.Result(), true
}

// All returns statistics for every channel seen this run, in stable
// (station, channel) order.
func (r *Registry) All() []Result {
	r.mu.RLock()
	out := make([]Result, 0, len(r.channels))
	for _, s := range r.channels {
		out = append(out, s.Result())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station.String() < out[j].Station.String()
		}
		return out[i].Channel.String() < out[j].Channel.String()
	})
	return out
}

// Len returns the number of channels seen this run.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
