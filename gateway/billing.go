package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/observability"
)

// UsageReport is one billing record for one session over one window. The
// collector owns the credit arithmetic; the gateway only reports counts.
// Partial reports (IsPartial=true) cover an open session's window since the
// previous flush; the final report on disconnect has IsPartial=false.
// Duplicate partials are tolerated by the collector.
type UsageReport struct {
	APIKeyID             string        `json:"apiKeyId"`
	UserID               string        `json:"userId"`
	Tier                 Tier          `json:"tier"`
	Network              string        `json:"network"`
	ClientID             string        `json:"clientId"`
	IsPartial            bool          `json:"isPartial"`
	ConnectionDurationMs int64         `json:"connectionDurationMs"`
	Messages             MessageCounts `json:"messages"`
	Timestamp            time.Time     `json:"timestamp"`
}

// Reporter delivers usage reports to the billing collector. Delivery is
// best effort: a failed report must never block or fail proxying.
type Reporter interface {
	Report(ctx context.Context, report UsageReport)
}

// httpReporter POSTs reports as JSON to the collector endpoint.
type httpReporter struct {
	logger logging.Logger
	client *http.Client
	url    string
}

// NewReporter builds a Reporter for the configured collector. An empty
// collector URL yields a reporter that logs reports at debug and drops them,
// which is what dev environments run with.
func NewReporter(logger logging.Logger, config BillingConfig) Reporter {
	reporterLogger := logging.ForComponent(logger, logging.ComponentBillingReporter)

	if config.CollectorURL == "" {
		reporterLogger.Info().Msg("no billing collector configured, usage reports will be dropped")
		return &nopReporter{logger: reporterLogger}
	}

	timeout := time.Duration(config.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &httpReporter{
		logger: reporterLogger,
		client: &http.Client{Timeout: timeout},
		url:    config.CollectorURL,
	}
}

func (r *httpReporter) Report(ctx context.Context, report UsageReport) {
	if err := r.post(ctx, report); err != nil {
		// Billing must never interfere with traffic. The collector
		// reconciles gaps from its own side.
		billingReportFailures.Inc()
		observability.ErrorsTotal.WithLabelValues(logging.ComponentBillingReporter, "report_post").Inc()
		r.logger.Warn().
			Err(err).
			Str(logging.FieldAPIKeyID, report.APIKeyID).
			Bool("is_partial", report.IsPartial).
			Msg("usage report dropped")
		return
	}
	billingReportsSent.Inc()
}

func (r *httpReporter) post(ctx context.Context, report UsageReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build collector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector rejected usage report: status %d", resp.StatusCode)
	}
	return nil
}

type nopReporter struct {
	logger logging.Logger
}

func (r *nopReporter) Report(_ context.Context, report UsageReport) {
	r.logger.Debug().
		Str(logging.FieldAPIKeyID, report.APIKeyID).
		Bool("is_partial", report.IsPartial).
		Int64("sent", report.Messages.Sent).
		Int64("received", report.Messages.Received).
		Msg("usage report (dropped, no collector)")
}
