package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide channel/connection/traffic counter.
var Stats = &stats{}

type stats struct {
	ChannelsOpened atomic.Int64 // channels that completed Hello
	ChannelsClosed atomic.Int64 // channels torn down
	TotalConns     atomic.Int64 // edge connections that reached Connected
	ClosedConns    atomic.Int64 // edge connections closed, locally or by the router
	ConnectFailed  atomic.Int64 // Connect requests answered with StateClosed or timed out
	BytesSent      atomic.Int64 // bytes written to edge router transports
	BytesRecv      atomic.Int64 // bytes read from edge router transports
}

func (s *stats) AddChannel()     { s.ChannelsOpened.Add(1) }
func (s *stats) RemoveChannel()  { s.ChannelsClosed.Add(1) }
func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) AddConnectFail() { s.ConnectFailed.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// RegisterMetrics exposes the counters on reg. The collectors read the atomics
// at scrape time, so nothing else has to be updated.
func RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "ziti",
			Subsystem: "edge",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("channels_opened_total", "Channels that completed Hello.", &Stats.ChannelsOpened),
		counter("channels_closed_total", "Channels torn down.", &Stats.ChannelsClosed),
		counter("connections_opened_total", "Edge connections that reached Connected.", &Stats.TotalConns),
		counter("connections_closed_total", "Edge connections closed.", &Stats.ClosedConns),
		counter("connect_failures_total", "Connect requests rejected or timed out.", &Stats.ConnectFailed),
		counter("bytes_sent_total", "Bytes written to edge router transports.", &Stats.BytesSent),
		counter("bytes_received_total", "Bytes read from edge router transports.", &Stats.BytesRecv),
	}

	var result *multierror.Error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// interval (10 seconds when interval <= 0). It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()

				sentS := float64(cur.sent-prev.sent) / secs
				recvS := float64(cur.recv-prev.recv) / secs
				opened := cur.total - prev.total
				closed := cur.closed - prev.closed

				if opened > 0 || closed > 0 || sentS > 10 || recvS > 10 {
					pterm.DefaultLogger.Info(formatStats(sentS, recvS, opened, closed))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	total, closed, sent, recv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		total:  Stats.TotalConns.Load(),
		closed: Stats.ClosedConns.Load(),
		sent:   Stats.BytesSent.Load(),
		recv:   Stats.BytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) out
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(sentS, recvS float64, opened, closed int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(sentS),
		formatBytes(recvS),
		opened,
		closed,
	)
}
