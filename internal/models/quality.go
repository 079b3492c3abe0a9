package models

// QualityMetrics is one sample of transport statistics for a peer
// connection. Only the latest sample per peer is retained.
type QualityMetrics struct {
	Bitrate           float64 `json:"bitrate"` // outbound video, bits per second
	FrameRate         float64 `json:"frameRate"`
	PacketLossPercent float64 `json:"packetLossPercent"`
	RoundTripTimeMs   float64 `json:"roundTripTimeMs"`
}

// NetworkQuality classifies a QualityMetrics sample
type NetworkQuality string

const (
	NetworkQualityExcellent NetworkQuality = "excellent"
	NetworkQualityGood      NetworkQuality = "good"
	NetworkQualityPoor      NetworkQuality = "poor"
	NetworkQualityBad       NetworkQuality = "bad"
)

// BitratePreset bundles the encoding parameters applied per quality tier
type BitratePreset struct {
	MaxBitrate            int     `json:"maxBitrate"` // bits per second
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy"`
	MaxFramerate          float64 `json:"maxFramerate"`
}
