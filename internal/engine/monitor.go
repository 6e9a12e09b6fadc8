package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// Monitor types handled by the scheduler out of the box.
const (
	MonitorSLA      = "sla"
	MonitorProgress = "progress"
)

// MonitorHandler runs one due monitor and returns its next run time, or nil
// to delete it. Handlers run while the monitor batch is locked and must not
// write to the store. A batch that hits a transient database error is run
// again, so a handler may see the same monitor twice and must tolerate it.
type MonitorHandler func(ctx context.Context, m *session.StoredSessionMonitor) (*time.Time, error)

// MonitorOptions tunes the scheduler loop.
type MonitorOptions struct {
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
}

// MonitorScheduler periodically runs due session monitors.
type MonitorScheduler struct {
	db       *db.Client
	eventBus *event.Bus
	logger   *zap.SugaredLogger
	opts     MonitorOptions

	mu       sync.RWMutex
	handlers map[string]MonitorHandler
}

// NewMonitorScheduler creates a scheduler with the sla and progress handlers
// registered.
func NewMonitorScheduler(dbClient *db.Client, eventBus *event.Bus, logger *zap.SugaredLogger, opts MonitorOptions) *MonitorScheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &MonitorScheduler{
		db:       dbClient,
		eventBus: eventBus,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]MonitorHandler),
	}
	s.Register(MonitorSLA, s.handleSLA)
	s.Register(MonitorProgress, s.handleProgress)
	return s
}

// Register adds or replaces the handler for a monitor type.
func (s *MonitorScheduler) Register(monitorType string, h MonitorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[monitorType] = h
}

func (s *MonitorScheduler) handler(monitorType string) (MonitorHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[monitorType]
	return h, ok
}

// Run executes due monitors every interval until ctx is canceled.
func (s *MonitorScheduler) Run(ctx context.Context) error {
	s.logger.Infow("Starting monitor scheduler", "interval", s.opts.Interval, "batch_size", s.opts.BatchSize)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorw("Monitor batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Monitor scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce locks and runs one batch of due monitors. Errors of individual
// monitors are combined; the rest of the batch is still applied.
func (s *MonitorScheduler) RunOnce(ctx context.Context) error {
	return s.db.LockDueMonitors(ctx, s.opts.Clock(), s.opts.BatchSize, func(m *session.StoredSessionMonitor) (*time.Time, error) {
		monitorType := m.Config.GetString("type", "")
		h, ok := s.handler(monitorType)
		if !ok {
			s.logger.Warnw("Dropping monitor of unknown type",
				"monitor_id", m.ID,
				"session_id", m.SessionID,
				"type", monitorType,
			)
			return nil, nil
		}
		next, err := h(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("monitor %d (%s) of session %d: %w", m.ID, monitorType, m.SessionID, err)
		}
		return next, nil
	})
}

// rootState looks up the session's root state. ok is false when the session
// or its root no longer exists.
func (s *MonitorScheduler) rootState(ctx context.Context, sessionID int64) (session.TaskStateCode, bool, error) {
	sess, err := s.db.GetSessionByID(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	state, err := s.db.SessionStore(sess.SiteID).GetRootState(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return state, true, nil
}

// handleSLA fires once: if the session has not finished by the monitor's run
// time an sla_missed event is published.
func (s *MonitorScheduler) handleSLA(ctx context.Context, m *session.StoredSessionMonitor) (*time.Time, error) {
	state, ok, err := s.rootState(ctx, m.SessionID)
	if err != nil || !ok {
		return nil, err
	}
	if state.IsDone() {
		return nil, nil
	}

	s.logger.Warnw("Session missed its SLA",
		"session_id", m.SessionID,
		"root_state", state.String(),
		"deadline", m.NextRunTime,
	)
	if s.eventBus != nil {
		s.eventBus.Publish(&event.Event{
			Type:      event.SessionSLAMissed,
			SessionID: m.SessionID,
			State:     state.String(),
			Data:      m.Config.ToMap(),
		})
	}
	return nil, nil
}

// handleProgress logs the root state every interval until the session is
// done.
func (s *MonitorScheduler) handleProgress(ctx context.Context, m *session.StoredSessionMonitor) (*time.Time, error) {
	state, ok, err := s.rootState(ctx, m.SessionID)
	if err != nil || !ok {
		return nil, err
	}
	s.logger.Infow("Session progress", "session_id", m.SessionID, "root_state", state.String())
	if state.IsDone() {
		return nil, nil
	}
	next := s.opts.Clock().Add(configDuration(m.Config, "interval", time.Minute))
	return &next, nil
}

// firstRunTime schedules a new monitor: "after" for one-shot monitors, else
// "interval", else immediately.
func firstRunTime(cfg config.Config, now time.Time) time.Time {
	if d := configDuration(cfg, "after", 0); d > 0 {
		return now.Add(d)
	}
	return now.Add(configDuration(cfg, "interval", 0))
}
