package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

type stats struct {
	PeersUp   atomic.Int64 // cumulative count of peers that completed a handshake
	PeersDown atomic.Int64 // cumulative count of peers that went away
	MsgsSent  atomic.Int64 // application messages handed to a backend
	MsgsRecv  atomic.Int64 // application messages drained from a backend
	BytesSent atomic.Int64
	BytesRecv atomic.Int64
	Dropped   atomic.Int64 // inbound packets that failed to decode
}

// Stats is the process-wide traffic/peer counter shared by every backend.
var Stats = &stats{}

func (s *stats) AddPeer()      { s.PeersUp.Add(1) }
func (s *stats) RemovePeer()   { s.PeersDown.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddSent(n int) { s.MsgsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.MsgsRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics every
// interval. It stops when ctx is cancelled. A non-positive interval disables it.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevUp, prevDown, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				up := Stats.PeersUp.Load()
				down := Stats.PeersDown.Load()
				dropped := Stats.Dropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if up != prevUp || down != prevDown || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, up-prevUp, down-prevDown, dropped-prevDropped))
				}

				prevSent = sent
				prevRecv = recv
				prevUp = up
				prevDown = down
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, up, down, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		up,
		down,
		dropped,
	)
}
