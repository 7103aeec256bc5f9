// Package stats turns transport counters into the figures the message layer
// shows: RTT, packet loss and throughput.
package stats

import (
	"time"

	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
)

// BytesPerSecPeriod is the default throughput sampling window.
const BytesPerSecPeriod = 100 * time.Millisecond

// Source is the part of a transport connection the sampler reads.
type Source interface {
	PathStats() (transport.PathStats, bool)
	ClearSentBytes() uint64
	ClearReceivedBytes() uint64
}

// Sampler owns one connection's sampling timer.
//
// RTT and packet loss are refreshed on every Update. Byte counters are read
// destructively once per period and divided by the period, so throughput is
// an average over the window rather than an instantaneous rate.
type Sampler struct {
	period  time.Duration
	elapsed time.Duration
}

// New returns a sampler with the given period; zero or less means
// BytesPerSecPeriod.
func New(period time.Duration) *Sampler {
	if period <= 0 {
		period = BytesPerSecPeriod
	}
	return &Sampler{period: period}
}

func (s *Sampler) Period() time.Duration { return s.period }

// Update advances the timer by dt and writes into out. It reports whether
// the byte counters were sampled this call.
func (s *Sampler) Update(dt time.Duration, src Source, out *repl.Stats) bool {
	if ps, ok := src.PathStats(); ok {
		out.RTT = ps.RTT
		out.PacketLoss = LossPercent(ps.LostPackets, ps.SentPackets)
	}
	s.elapsed += dt
	if s.elapsed < s.period {
		return false
	}
	s.elapsed = 0
	secs := s.period.Seconds()
	out.SentBps = float64(src.ClearSentBytes()) / secs
	out.ReceivedBps = float64(src.ClearReceivedBytes()) / secs
	return true
}

// Reset restarts the window without touching the counters.
func (s *Sampler) Reset() { s.elapsed = 0 }

// LossPercent is 100*lost/sent, or zero when nothing has been sent.
func LossPercent(lost, sent uint64) float64 {
	if sent == 0 {
		return 0
	}
	return 100 * float64(lost) / float64(sent)
}
