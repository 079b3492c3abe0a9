package quality

import (
	"context"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// EncodingController applies a bitrate preset to an outbound video
// encoding. The capture/encoder layer that supplied the track implements
// it; pion itself exposes no browser-style sender.setParameters.
type EncodingController interface {
	Apply(p models.BitratePreset) error
}

// Target is one peer connection the monitor samples. The session layer
// implements it.
type Target interface {
	ID() string
	Stats() webrtc.StatsReport
	Quality() models.NetworkQuality
	SetQuality(q models.NetworkQuality, p models.BitratePreset)
	Encoding() EncodingController // may be nil
}

// Monitor samples every target's transport statistics on a fixed interval,
// classifies network quality, and applies the matching bitrate preset only
// when the classification changed. Identical readings cause no
// reapplication, so there is no churn on a steady network.
type Monitor struct {
	interval time.Duration
	targets  func() []Target
	onSample func(id string, m models.QualityMetrics, q models.NetworkQuality)

	samplers map[string]*Sampler
}

// NewMonitor creates a monitor. targets returns the current live peer set;
// onSample (optional) observes every sample, e.g. for display.
func NewMonitor(interval time.Duration, targets func() []Target, onSample func(string, models.QualityMetrics, models.NetworkQuality)) *Monitor {
	return &Monitor{
		interval: interval,
		targets:  targets,
		onSample: onSample,
		samplers: make(map[string]*Sampler),
	}
}

// Run samples until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Monitor) tick(now time.Time) {
	live := make(map[string]bool)
	for _, t := range m.targets() {
		id := t.ID()
		live[id] = true

		s, ok := m.samplers[id]
		if !ok {
			s = &Sampler{}
			m.samplers[id] = s
		}

		metrics := s.Sample(t.Stats(), now)
		q := Classify(metrics)
		if m.onSample != nil {
			m.onSample(id, metrics, q)
		}

		if q == t.Quality() {
			continue
		}
		preset := PresetFor(q)
		if ec := t.Encoding(); ec != nil {
			if err := ec.Apply(preset); err != nil {
				// Non-fatal: the peer keeps its previous preset.
				log.Printf("Failed to apply %s preset for peer %s: %v", q, id, err)
				continue
			}
		}
		t.SetQuality(q, preset)
	}

	// Forget samplers for departed peers.
	for id := range m.samplers {
		if !live[id] {
			delete(m.samplers, id)
		}
	}
}
