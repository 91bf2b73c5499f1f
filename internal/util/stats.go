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

// Stats is the process-wide negotiation counter.
var Stats = &stats{}

type stats struct {
	Sessions           atomic.Int64 // sessions created since process start
	ClosedSessions     atomic.Int64 // sessions stopped since process start
	OffersSent         atomic.Int64 // local offers signaled
	AnswersSent        atomic.Int64 // local answers signaled
	AnswersApplied     atomic.Int64 // remote answers applied
	CandidatesSent     atomic.Int64 // local candidates signaled
	CandidatesApplied  atomic.Int64 // remote candidates handed to the engine
	CandidatesBuffered atomic.Int64 // remote candidates that arrived before a remote description
	Glare              atomic.Int64 // offer collisions
	Failures           atomic.Int64 // aborted negotiation steps
	Dropped            atomic.Int64 // signaling messages dropped
}

func (s *stats) AddSession()          { s.Sessions.Add(1) }
func (s *stats) RemoveSession()       { s.ClosedSessions.Add(1) }
func (s *stats) AddOfferSent()        { s.OffersSent.Add(1) }
func (s *stats) AddAnswerSent()       { s.AnswersSent.Add(1) }
func (s *stats) AddAnswerApplied()    { s.AnswersApplied.Add(1) }
func (s *stats) AddCandidateSent()    { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateApplied() { s.CandidatesApplied.Add(1) }
func (s *stats) AddBuffered()         { s.CandidatesBuffered.Add(1) }
func (s *stats) AddGlare()            { s.Glare.Add(1) }
func (s *stats) AddFailure()          { s.Failures.Add(1) }
func (s *stats) AddDropped()          { s.Dropped.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Sessions, ClosedSessions int64
	OffersSent, AnswersSent  int64
	AnswersApplied           int64
	CandidatesSent           int64
	CandidatesApplied        int64
	CandidatesBuffered       int64
	Glare, Failures, Dropped int64
}

// Snapshot loads every counter.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Sessions:           s.Sessions.Load(),
		ClosedSessions:     s.ClosedSessions.Load(),
		OffersSent:         s.OffersSent.Load(),
		AnswersSent:        s.AnswersSent.Load(),
		AnswersApplied:     s.AnswersApplied.Load(),
		CandidatesSent:     s.CandidatesSent.Load(),
		CandidatesApplied:  s.CandidatesApplied.Load(),
		CandidatesBuffered: s.CandidatesBuffered.Load(),
		Glare:              s.Glare.Load(),
		Failures:           s.Failures.Load(),
		Dropped:            s.Dropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs negotiation statistics
// every interval, only when something changed since the last report. It stops
// when ctx is cancelled. A non-positive interval disables reporting.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.Sub(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sub returns the per-counter difference s - prev.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Sessions:           s.Sessions - prev.Sessions,
		ClosedSessions:     s.ClosedSessions - prev.ClosedSessions,
		OffersSent:         s.OffersSent - prev.OffersSent,
		AnswersSent:        s.AnswersSent - prev.AnswersSent,
		AnswersApplied:     s.AnswersApplied - prev.AnswersApplied,
		CandidatesSent:     s.CandidatesSent - prev.CandidatesSent,
		CandidatesApplied:  s.CandidatesApplied - prev.CandidatesApplied,
		CandidatesBuffered: s.CandidatesBuffered - prev.CandidatesBuffered,
		Glare:              s.Glare - prev.Glare,
		Failures:           s.Failures - prev.Failures,
		Dropped:            s.Dropped - prev.Dropped,
	}
}

// formatStats returns a one-line summary of a stats delta for the logger.
func formatStats(d Snapshot) string {
	return fmt.Sprintf("Session: %2d↑ %2d↓ | SDP: %2d offer %2d answer | ICE: %3d↑ %3d↓ (%d buffered) | Glare: %d | Fail: %d | Drop: %d",
		d.Sessions,
		d.ClosedSessions,
		d.OffersSent,
		d.AnswersSent+d.AnswersApplied,
		d.CandidatesSent,
		d.CandidatesApplied,
		d.CandidatesBuffered,
		d.Glare,
		d.Failures,
		d.Dropped,
	)
}
