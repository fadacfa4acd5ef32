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

// Stats is the process-wide signaling counter set.
var Stats = &stats{}

type stats struct {
	MessagesIn     atomic.Int64 // decoded inbound protocol messages
	MessagesOut    atomic.Int64 // messages written to the control channel
	SendDropped    atomic.Int64 // sends dropped because no channel was open
	DecodeFailures atomic.Int64 // inbound frames that failed to decode
	Reconnects     atomic.Int64 // reconnection attempts scheduled after a failure
	Sessions       atomic.Int64 // peer sessions created
	Failures       atomic.Int64 // negotiations that ended in onError
}

func (s *stats) AddIn()            { s.MessagesIn.Add(1) }
func (s *stats) AddOut()           { s.MessagesOut.Add(1) }
func (s *stats) AddDropped()       { s.SendDropped.Add(1) }
func (s *stats) AddDecodeFailure() { s.DecodeFailures.Add(1) }
func (s *stats) AddReconnect()     { s.Reconnects.Add(1) }
func (s *stats) AddSession()       { s.Sessions.Add(1) }
func (s *stats) AddFailure()       { s.Failures.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	in, out, dropped, decode, reconnects, sessions, failures int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		in:         s.MessagesIn.Load(),
		out:        s.MessagesOut.Load(),
		dropped:    s.SendDropped.Load(),
		decode:     s.DecodeFailures.Load(),
		reconnects: s.Reconnects.Load(),
		sessions:   s.Sessions.Load(),
		failures:   s.Failures.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval, but only for intervals in which something happened. It
// stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if delta := cur.sub(prev); !delta.zero() {
					pterm.DefaultLogger.Info(formatStats(delta, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a snapshot) sub(b snapshot) snapshot {
	return snapshot{
		in:         a.in - b.in,
		out:        a.out - b.out,
		dropped:    a.dropped - b.dropped,
		decode:     a.decode - b.decode,
		reconnects: a.reconnects - b.reconnects,
		sessions:   a.sessions - b.sessions,
		failures:   a.failures - b.failures,
	}
}

func (a snapshot) zero() bool {
	return a == snapshot{}
}

// formatStats returns the interval delta plus running totals for sessions
// and reconnects, for display in the logger.
func formatStats(delta, total snapshot) string {
	return fmt.Sprintf("Msg: %3d↓ %3d↑ | Dropped: %2d | Bad: %2d | Sessions: %d (%d failed) | Reconnects: %d",
		delta.in,
		delta.out,
		delta.dropped,
		delta.decode,
		total.sessions,
		total.failures,
		total.reconnects,
	)
}
