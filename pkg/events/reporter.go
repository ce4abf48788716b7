package events

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SnapshotFunc produces the payload for a periodic metrics_snapshot event.
type SnapshotFunc func() map[string]any

// Reporter publishes metrics_snapshot events on a fixed interval. It is the
// only periodic producer in the package; everything else is request-driven.
type Reporter struct {
	bus      *Bus
	cron     *cron.Cron
	snapshot SnapshotFunc
	logger   *zap.Logger
}

// NewReporter creates a reporter that publishes every interval. The logger
// may be nil.
func NewReporter(bus *Bus, interval time.Duration, snapshot SnapshotFunc, logger *zap.Logger) (*Reporter, error) {
	if bus == nil {
		return nil, fmt.Errorf("reporter requires a bus")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("reporter requires a snapshot func")
	}
	if interval < time.Second {
		return nil, fmt.Errorf("reporter interval %s too small (min 1s)", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reporter{
		bus:      bus,
		cron:     cron.New(),
		snapshot: snapshot,
		logger:   logger,
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), r.publish); err != nil {
		return nil, fmt.Errorf("failed to schedule reporter: %w", err)
	}
	return r, nil
}

// Start begins periodic publishing.
func (r *Reporter) Start() {
	r.cron.Start()
	r.logger.Debug("metrics reporter started")
}

// Stop halts publishing and waits for an in-flight publish to finish.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Debug("metrics reporter stopped")
}

func (r *Reporter) publish() {
	r.bus.Publish(Event{
		Type:      EventMetricsSnapshot,
		Component: "reporter",
		Metadata:  r.snapshot(),
	})
}
