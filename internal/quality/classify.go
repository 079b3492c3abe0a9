package quality

import "github.com/mossy-p/screenshare-session/internal/models"

// Classify maps a metrics sample to a network quality tier. Thresholds are
// strict comparisons: a sample sitting exactly on a boundary falls into the
// next tier down.
func Classify(m models.QualityMetrics) models.NetworkQuality {
	loss, rtt := m.PacketLossPercent, m.RoundTripTimeMs
	switch {
	case loss < 1 && rtt < 50:
		return models.NetworkQualityExcellent
	case loss < 3 && rtt < 100:
		return models.NetworkQualityGood
	case loss < 8 && rtt < 200:
		return models.NetworkQualityPoor
	default:
		return models.NetworkQualityBad
	}
}

var presets = map[models.NetworkQuality]models.BitratePreset{
	models.NetworkQualityExcellent: {MaxBitrate: 8_000_000, ScaleResolutionDownBy: 1, MaxFramerate: 60},
	models.NetworkQualityGood:      {MaxBitrate: 4_000_000, ScaleResolutionDownBy: 1, MaxFramerate: 30},
	models.NetworkQualityPoor:      {MaxBitrate: 1_500_000, ScaleResolutionDownBy: 1.5, MaxFramerate: 24},
	models.NetworkQualityBad:       {MaxBitrate: 600_000, ScaleResolutionDownBy: 2, MaxFramerate: 15},
}

// PresetFor returns the encoding preset for a quality tier
func PresetFor(q models.NetworkQuality) models.BitratePreset {
	return presets[q]
}
