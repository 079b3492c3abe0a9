package quality

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// Sampler turns successive pion stats reports for one peer connection into
// QualityMetrics. Bitrate is derived from the byte-count delta between
// consecutive samples, so the first sample of a connection reports zero.
type Sampler struct {
	lastBytes uint64
	lastTime  time.Time
}

// Sample extracts a metrics snapshot from report taken at now.
func (s *Sampler) Sample(report webrtc.StatsReport, now time.Time) models.QualityMetrics {
	var m models.QualityMetrics

	var bytesSent uint64
	var pairRTT float64
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			if st.Kind == "video" {
				bytesSent += st.BytesSent
				if st.FramesPerSecond > 0 {
					m.FrameRate = st.FramesPerSecond
				}
			}
		case webrtc.RemoteInboundRTPStreamStats:
			// FractionLost is the remote-reported loss fraction [0,1]
			m.PacketLossPercent = st.FractionLost * 100
			if st.RoundTripTime > 0 {
				m.RoundTripTimeMs = st.RoundTripTime * 1000
			}
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				pairRTT = st.CurrentRoundTripTime * 1000
			}
		}
	}

	// Prefer the RTCP-derived RTT; fall back to the ICE pair measurement.
	if m.RoundTripTimeMs == 0 {
		m.RoundTripTimeMs = pairRTT
	}

	if !s.lastTime.IsZero() && bytesSent >= s.lastBytes {
		elapsed := now.Sub(s.lastTime).Seconds()
		if elapsed > 0 {
			m.Bitrate = float64(bytesSent-s.lastBytes) * 8 / elapsed
		}
	}
	s.lastBytes = bytesSent
	s.lastTime = now

	return m
}
