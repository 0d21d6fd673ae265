// Package network supplies network-quality metadata for batch envelopes
package network

import "time"

// Type classifies the active network interface
type Type string

const (
	TypeNone     Type = "none"
	TypeWiFi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeWired    Type = "wired"
	TypeOther    Type = "other"
)

// CellularGeneration classifies the cellular radio technology
type CellularGeneration string

const (
	GenerationUnknown CellularGeneration = "unknown"
	Generation2G      CellularGeneration = "2g"
	Generation3G      CellularGeneration = "3g"
	Generation4G      CellularGeneration = "4g"
	Generation5G      CellularGeneration = "5g"
)

// Quality is a point-in-time snapshot of network conditions
type Quality struct {
	NetworkType        Type               `json:"networkType"`
	CellularGeneration CellularGeneration `json:"cellularGeneration,omitempty"`
	IsConstrained      bool               `json:"isConstrained"` // low data mode
	IsExpensive        bool               `json:"isExpensive"`   // metered connection
	Timestamp          time.Time          `json:"timestamp"`
}

// QualityObserver reports current network conditions.
//
// The platform host wires an observer backed by its path monitor; the
// upload pipeline only reads metadata from it and never blocks on it.
type QualityObserver interface {
	CurrentQuality() Quality
}

// StaticObserver returns a fixed quality snapshot. Useful for tests
// and hosts without a path monitor.
type StaticObserver struct {
	Quality Quality
}

// CurrentQuality returns the configured snapshot with a fresh timestamp
func (s *StaticObserver) CurrentQuality() Quality {
	q := s.Quality
	if q.NetworkType == "" {
		q.NetworkType = TypeOther
	}
	q.Timestamp = time.Now()
	return q
}
