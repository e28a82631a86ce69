// Package monitor samples replica and reconcile counters on an interval and
// publishes them to a status file and InfluxDB.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/markersync/markersync/internal/reconcile"
	"github.com/markersync/markersync/pkg/core"
)

// Measurement is the InfluxDB measurement name of a sample.
const Measurement = "markersync_replica"

// Sizer reports the number of records held.
type Sizer interface {
	Len() int
}

// StatsSource reports cumulative reconcile counters.
type StatsSource interface {
	Stats() reconcile.Stats
}

// FeedStats reports subscription health.
type FeedStats interface {
	Resyncs() int64
	Gaps() int64
}

// PointWriter accepts InfluxDB points.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Replica Sizer
	Engine  StatsSource
	// Feed returns the live subscription, or nil while unsubscribed.
	Feed   func() FeedStats
	Viewer func() core.Viewer
	// Points and StatusPath are optional sinks.
	Points     PointWriter
	StatusPath string
	Interval   time.Duration
	Logger     *slog.Logger
}

// Status is one sample.
type Status struct {
	Time        time.Time       `json:"time"`
	Viewer      string          `json:"viewer"`
	Records     int             `json:"records"`
	Engine      reconcile.Stats `json:"engine"`
	FeedActive  bool            `json:"feedActive"`
	FeedResyncs int64           `json:"feedResyncs"`
	FeedGaps    int64           `json:"feedGaps"`
}

// Point converts s to an InfluxDB point.
func (s Status) Point() *influxdb2_write.Point {
	return influxdb2_write.NewPoint(Measurement,
		map[string]string{"viewer": s.Viewer},
		map[string]any{
			"records":     s.Records,
			"applied":     s.Engine.Applied,
			"stale":       s.Engine.Stale,
			"echoes":      s.Engine.Echoes,
			"duplicates":  s.Engine.Duplicates,
			"removed":     s.Engine.Removed,
			"resyncs":     s.Engine.Resyncs,
			"feedActive":  s.FeedActive,
			"feedResyncs": s.FeedResyncs,
			"feedGaps":    s.FeedGaps,
		},
		s.Time,
	)
}

// Service manages status monitoring
type Service struct {
	deps Dependencies

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Minute
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Sample takes one status sample.
func (s *Service) Sample() Status {
	st := Status{Time: time.Now().UTC(), Viewer: "anonymous"}
	if s.deps.Viewer != nil {
		if v := s.deps.Viewer(); !v.IsAnonymous() {
			st.Viewer = v.ID
		}
	}
	if s.deps.Replica != nil {
		st.Records = s.deps.Replica.Len()
	}
	if s.deps.Engine != nil {
		st.Engine = s.deps.Engine.Stats()
	}
	if s.deps.Feed != nil {
		if f := s.deps.Feed(); f != nil {
			st.FeedActive = true
			st.FeedResyncs = f.Resyncs()
			st.FeedGaps = f.Gaps()
		}
	}
	return st
}

// Publish writes st to the configured sinks.
func (s *Service) Publish(st Status) error {
	if s.deps.StatusPath != "" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		if err := os.WriteFile(s.deps.StatusPath, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write status file: %w", err)
		}
	}
	if s.deps.Points != nil {
		if err := s.deps.Points.WritePoint(st.Point()); err != nil {
			return fmt.Errorf("failed to write status point: %w", err)
		}
	}
	return nil
}

// Start starts the status monitor goroutine. It stops when ctx is done or
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.isRunning = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Publish(s.Sample()); err != nil {
					logger.Error("Error publishing status", "error", err)
				}
			}
		}
	}()
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
