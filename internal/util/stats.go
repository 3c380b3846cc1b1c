package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide link counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // frames handed to the radio, retries included
	FramesRecv atomic.Int64 // frames received from the radio
	Retries    atomic.Int64 // transaction attempts beyond the first
	Failures   atomic.Int64 // transactions abandoned after exhausting retries
	BytesIn    atomic.Int64 // packet bytes written to the tunnel device
	BytesOut   atomic.Int64 // packet bytes read from the tunnel device
	PacketsIn  atomic.Int64 // packets delivered to the tunnel device
	PacketsOut atomic.Int64 // packets read from the tunnel device
}

func (s *stats) AddFrameSent() { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv() { s.FramesRecv.Add(1) }
func (s *stats) AddRetry()     { s.Retries.Add(1) }
func (s *stats) AddFailure()   { s.Failures.Add(1) }
func (s *stats) AddIn(n int)   { s.BytesIn.Add(int64(n)); s.PacketsIn.Add(1) }
func (s *stats) AddOut(n int)  { s.BytesOut.Add(int64(n)); s.PacketsOut.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics every
// 10 seconds while traffic is flowing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevIn, prevOut, prevRetries, prevFailures int64
		for {
			select {
			case <-ticker.C:
				in := Stats.BytesIn.Load()
				out := Stats.BytesOut.Load()
				retries := Stats.Retries.Load()
				failures := Stats.Failures.Load()

				inS := float64(in-prevIn) / 10.0
				outS := float64(out-prevOut) / 10.0
				dRetries := retries - prevRetries
				dFailures := failures - prevFailures

				if inS > 10 || outS > 10 || dRetries > 0 || dFailures > 0 {
					logger.Info(formatStats(inS, outS, dRetries, dFailures))
				}

				prevIn = in
				prevOut = out
				prevRetries = retries
				prevFailures = failures

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
func formatStats(inS, outS float64, retries, failures int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Retries: %2d | Failures: %2d",
		formatBytes(inS),
		formatBytes(outS),
		retries,
		failures,
	)
}
