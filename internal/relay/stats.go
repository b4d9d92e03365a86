package relay

import (
	"math"
	"sync/atomic"
	"time"

	"streamrelay/internal/framing"
)

// Stats aggregates relay-wide counters. Every field is updated atomically by
// the component producing the event and may be read from any goroutine.
type Stats struct {
	chunks           atomic.Uint64
	bytes            atomic.Uint64
	deliveredBytes   atomic.Uint64
	subscribers      atomic.Int64
	sessions         atomic.Uint64
	restarts         atomic.Uint64
	syncMarkers      atomic.Uint64
	alignedPackets   atomic.Uint64
	startCodes       atomic.Uint64
	keyframes        atomic.Uint64
	continuityErrors atomic.Uint64
	markedChunks     atomic.Uint64
	throughputBits   atomic.Uint64

	// Owned by the sampling goroutine.
	lastSampleBytes uint64
	lastSampleAt    time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalChunks      uint64  `json:"totalChunks"`
	TotalBytes       uint64  `json:"totalBytes"`
	DeliveredBytes   uint64  `json:"deliveredBytes"`
	Subscribers      int64   `json:"subscribers"`
	Sessions         uint64  `json:"sessions"`
	Restarts         uint64  `json:"restarts"`
	SyncMarkers      uint64  `json:"syncMarkers"`
	AlignedPackets   uint64  `json:"alignedPackets"`
	StartCodes       uint64  `json:"startCodes"`
	Keyframes        uint64  `json:"keyframes"`
	ContinuityErrors uint64  `json:"continuityErrors"`
	QualityRatio     float64 `json:"framingQuality"`
	ThroughputBps    float64 `json:"throughputBytesPerSecond"`
}

// ObserveChunk counts one chunk read from the transcoder. Bytes are counted
// once per chunk regardless of how many subscribers receive it.
func (s *Stats) ObserveChunk(size int, frame framing.Stats) {
	s.chunks.Add(1)
	s.bytes.Add(uint64(size))
	s.syncMarkers.Add(uint64(frame.SyncMarkers))
	s.alignedPackets.Add(uint64(frame.AlignedPackets))
	s.startCodes.Add(uint64(frame.StartCodes))
	s.keyframes.Add(uint64(frame.Keyframes))
	s.continuityErrors.Add(uint64(frame.ContinuityErrors))
	if frame.HasMarkers() {
		s.markedChunks.Add(1)
	}
}

// ObserveDelivered counts bytes handed to one subscriber.
func (s *Stats) ObserveDelivered(size int) {
	s.deliveredBytes.Add(uint64(size))
}

func (s *Stats) subscriberAdded() int64 {
	return s.subscribers.Add(1)
}

func (s *Stats) subscriberRemoved() int64 {
	for {
		current := s.subscribers.Load()
		if current <= 0 {
			return 0
		}
		if s.subscribers.CompareAndSwap(current, current-1) {
			return current - 1
		}
	}
}

// sample updates the throughput estimate. Without a live session the
// throughput is reported as zero.
func (s *Stats) sample(now time.Time, live bool) {
	total := s.bytes.Load()
	rate := 0.0
	if live && !s.lastSampleAt.IsZero() && total >= s.lastSampleBytes {
		if elapsed := now.Sub(s.lastSampleAt).Seconds(); elapsed > 0 {
			rate = float64(total-s.lastSampleBytes) / elapsed
		}
	}
	s.lastSampleBytes = total
	s.lastSampleAt = now
	s.throughputBits.Store(math.Float64bits(rate))
}

// Reset zeroes every counter except the subscriber gauge, which tracks
// connections that outlive a reset.
func (s *Stats) Reset() {
	s.resetSession()
	s.sessions.Store(0)
	s.restarts.Store(0)
}

// resetSession zeroes the byte, chunk, framing and throughput counters when a
// new transcoder session starts. Session and restart counts span sessions.
func (s *Stats) resetSession() {
	s.chunks.Store(0)
	s.bytes.Store(0)
	s.deliveredBytes.Store(0)
	s.syncMarkers.Store(0)
	s.alignedPackets.Store(0)
	s.startCodes.Store(0)
	s.keyframes.Store(0)
	s.continuityErrors.Store(0)
	s.markedChunks.Store(0)
	s.throughputBits.Store(0)
	s.lastSampleBytes = 0
	s.lastSampleAt = time.Time{}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalChunks:      s.chunks.Load(),
		TotalBytes:       s.bytes.Load(),
		DeliveredBytes:   s.deliveredBytes.Load(),
		Subscribers:      s.subscribers.Load(),
		Sessions:         s.sessions.Load(),
		Restarts:         s.restarts.Load(),
		SyncMarkers:      s.syncMarkers.Load(),
		AlignedPackets:   s.alignedPackets.Load(),
		StartCodes:       s.startCodes.Load(),
		Keyframes:        s.keyframes.Load(),
		ContinuityErrors: s.continuityErrors.Load(),
		ThroughputBps:    math.Float64frombits(s.throughputBits.Load()),
	}
	if snap.TotalChunks > 0 {
		snap.QualityRatio = float64(s.markedChunks.Load()) / float64(snap.TotalChunks)
	}
	return snap
}
