package writer

import (
	"math"
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
)

// channelSummary maintains running statistics for one channel. Percentiles
// come from a DDSketch.
type channelSummary struct {
	count  int64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newChannelSummary(accuracy float64) *channelSummary {
	s := &channelSummary{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		s.sketch = sketch
	}
	return s
}

func (s *channelSummary) add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.count++
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	if s.sketch != nil {
		s.sketch.Add(v)
	}
}

func (s *channelSummary) result(ch sessionconfig.Handle) store.ChannelSummary {
	out := store.ChannelSummary{Channel: ch, Count: s.count}
	if s.count == 0 {
		return out
	}
	out.Min = s.min
	out.Max = s.max
	if s.sketch != nil {
		out.P50, _ = s.sketch.GetValueAtQuantile(0.50)
		out.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	}
	return out
}

// Summaries tracks the value distribution of every written channel.
type Summaries struct {
	mu       sync.Mutex
	accuracy float64
	channels map[sessionconfig.Handle]*channelSummary
}

// NewSummaries creates a tracker with the given relative accuracy.
func NewSummaries(accuracy float64) *Summaries {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = 0.01
	}
	return &Summaries{
		accuracy: accuracy,
		channels: make(map[sessionconfig.Handle]*channelSummary),
	}
}

// Add records values of one channel.
func (s *Summaries) Add(ch sessionconfig.Handle, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.channels[ch]
	if !ok {
		cs = newChannelSummary(s.accuracy)
		s.channels[ch] = cs
	}
	for _, v := range values {
		cs.add(v)
	}
}

// Results returns the summaries sorted by channel.
func (s *Summaries) Results() []store.ChannelSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.ChannelSummary, 0, len(s.channels))
	for ch, cs := range s.channels {
		out = append(out, cs.result(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
