package gateway

import (
	"context"
	"sync"
	"time"

	pond "github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/adagate/adagate/logging"
)

// UsageMeter turns per-session counters into usage reports. A ticker flushes
// every active session as a partial report on a fixed cadence, and session
// teardown flushes one final report. Report delivery runs on a pond subpool
// so a slow collector never backs up the flush loop.
type UsageMeter struct {
	logger   logging.Logger
	reporter Reporter
	sessions *xsync.Map[string, *Session]
	subpool  pond.Pool
	interval time.Duration

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewUsageMeter builds a meter over the server's live session registry.
func NewUsageMeter(
	logger logging.Logger,
	reporter Reporter,
	sessions *xsync.Map[string, *Session],
	subpool pond.Pool,
	interval time.Duration,
) *UsageMeter {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &UsageMeter{
		logger:   logging.ForComponent(logger, logging.ComponentUsageMeter),
		reporter: reporter,
		sessions: sessions,
		subpool:  subpool,
		interval: interval,
	}
}

// Start launches the periodic flush loop.
func (m *UsageMeter) Start(ctx context.Context) {
	m.ctx, m.cancelFn = context.WithCancel(ctx)

	m.wg.Add(1)
	go logging.RecoverGoRoutine(m.logger, "usage_flush", func(ctx context.Context) {
		defer m.wg.Done()
		m.flushLoop(ctx)
	})(m.ctx)

	m.logger.Info().
		Dur("interval", m.interval).
		Msg("usage meter started")
}

func (m *UsageMeter) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushAll(ctx)
		}
	}
}

// flushAll emits one partial report per active session. Sessions with no
// traffic since the last flush are reported too; the collector uses them as
// liveness signals.
func (m *UsageMeter) flushAll(ctx context.Context) {
	flushed := 0
	m.sessions.Range(func(_ string, session *Session) bool {
		m.submit(ctx, session, true)
		flushed++
		return true
	})

	if flushed > 0 {
		m.logger.Debug().Int("sessions", flushed).Msg("flushed partial usage reports")
	}
}

// FlushSession emits the final report for a session that is disconnecting.
// It drains whatever accumulated since the last periodic flush.
func (m *UsageMeter) FlushSession(ctx context.Context, session *Session) {
	m.submit(ctx, session, false)
}

func (m *UsageMeter) submit(ctx context.Context, session *Session, partial bool) {
	report := UsageReport{
		APIKeyID:             session.Identity.APIKeyID,
		UserID:               session.Identity.UserID,
		Tier:                 session.Identity.Tier,
		Network:              session.Identity.Network,
		ClientID:             session.Identity.ClientID,
		IsPartial:            partial,
		ConnectionDurationMs: time.Since(session.CreatedAt).Milliseconds(),
		Messages:             session.counters.Snapshot(),
		Timestamp:            time.Now().UTC(),
	}

	m.subpool.Submit(func() {
		m.reporter.Report(ctx, report)
	})
	usageReportsSubmitted.WithLabelValues(boolLabel(partial)).Inc()
}

// Close stops the flush loop. Final per-session reports are emitted by the
// server during session teardown, not here.
func (m *UsageMeter) Close() {
	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.wg.Wait()
	m.logger.Info().Msg("usage meter stopped")
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
