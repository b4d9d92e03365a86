// Package framing scans relay chunks for MPEG-TS and Annex-B H.264 markers.
// The results are advisory: nothing here alters or gates delivery.
package framing

import (
	"github.com/Comcast/gots/v2/packet"
)

const (
	// SyncByte begins every MPEG-TS packet.
	SyncByte byte = 0x47
	// nullPID carries stuffing packets whose continuity counter is undefined.
	nullPID = 0x1FFF
	// NALTypeIDR marks an H.264 instantaneous decoder refresh slice.
	NALTypeIDR = 5
)

// Stats reports marker counts found in one chunk.
type Stats struct {
	// SyncMarkers counts every 0x47 byte in the chunk.
	SyncMarkers int
	// AlignedPackets counts sync bytes that line up at a 188-byte stride
	// from the first sync byte.
	AlignedPackets int
	// StartCodes counts Annex-B start codes. A four-byte code counts once.
	StartCodes int
	// Keyframes counts IDR NAL units following a start code.
	Keyframes int
	// ContinuityErrors counts continuity counter gaps between aligned
	// packets of the same PID inside the chunk.
	ContinuityErrors int
}

// HasMarkers reports whether the chunk carried any recognised container or
// codec marker.
func (s Stats) HasMarkers() bool {
	return s.SyncMarkers > 0 || s.StartCodes > 0
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.SyncMarkers += other.SyncMarkers
	s.AlignedPackets += other.AlignedPackets
	s.StartCodes += other.StartCodes
	s.Keyframes += other.Keyframes
	s.ContinuityErrors += other.ContinuityErrors
}

// Inspect scans data without retaining or modifying it.
func Inspect(data []byte) Stats {
	var stats Stats
	first := -1
	for i, b := range data {
		if b == SyncByte {
			stats.SyncMarkers++
			if first < 0 {
				first = i
			}
		}
	}
	if first >= 0 {
		stats.AlignedPackets, stats.ContinuityErrors = scanPackets(data, first)
	}
	stats.StartCodes, stats.Keyframes = scanStartCodes(data)
	return stats
}

func scanPackets(data []byte, offset int) (aligned, discontinuities int) {
	lastCC := make(map[int]int)
	for pos := offset; pos < len(data); pos += packet.PacketSize {
		if data[pos] != SyncByte {
			break
		}
		aligned++
		if pos+packet.PacketSize > len(data) {
			break
		}
		var pkt packet.Packet
		copy(pkt[:], data[pos:pos+packet.PacketSize])
		pid := pkt.PID()
		if pid == nullPID || !pkt.HasPayload() {
			continue
		}
		cc := pkt.ContinuityCounter()
		if last, ok := lastCC[pid]; ok {
			// A repeated counter is a permitted duplicate packet.
			if cc != last && cc != (last+1)&0x0F {
				discontinuities++
			}
		}
		lastCC[pid] = cc
	}
	return aligned, discontinuities
}

func scanStartCodes(data []byte) (codes, keyframes int) {
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		var header int
		switch {
		case data[i+2] == 1:
			header = i + 3
		case data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1:
			header = i + 4
		default:
			continue
		}
		codes++
		if header < len(data) && int(data[header]&0x1F) == NALTypeIDR {
			keyframes++
		}
		i = header - 1
	}
	return codes, keyframes
}
