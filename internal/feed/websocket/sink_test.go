package websocket

import (
	"context"
	"sync/atomic"

	"github.com/markersync/markersync/pkg/core"
)

type countingSink struct {
	resyncs atomic.Int64
	applied atomic.Int64
}

func (s *countingSink) Resync(context.Context) error {
	s.resyncs.Add(1)
	return nil
}

func (s *countingSink) ApplyFeedEvent(core.Event) {
	s.applied.Add(1)
}
