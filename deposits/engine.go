package deposits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adagate/adagate/chain"
	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/observability"
)

// EngineConfig configures the confirmation engine.
type EngineConfig struct {
	// PassInterval is the delay between settlement passes. Passes are
	// strictly sequential: the next one starts this long after the
	// previous one finished.
	PassInterval time.Duration

	// BatchSize caps how many open payments one pass loads.
	BatchSize int

	// ConfirmationThreshold is how many blocks must build on top of the
	// detection height before a payment settles.
	ConfirmationThreshold int64

	// IndexMaxLag is the freshness gate for readers that can fall behind.
	// A pass against a reader lagging more than this is skipped.
	IndexMaxLag time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PassInterval:          30 * time.Second,
		BatchSize:             50,
		ConfirmationThreshold: 2,
		IndexMaxLag:           10 * time.Minute,
	}
}

// PassReport summarizes one settlement pass.
type PassReport struct {
	// Skipped is set when the pass did not run at all, with the reason.
	Skipped    bool
	SkipReason string

	Processed  int
	Confirmed  int
	Confirming int
	Expired    int
	Failed     int

	// Errors holds the per-payment failures. A failing payment never
	// aborts the rest of the batch.
	Errors []error
}

// Engine advances open payments through their state machine against chain
// state. Each pass costs one tip fetch and one batched UTXO query no matter
// how many payments are open.
type Engine struct {
	logger logging.Logger
	store  Store
	reader chain.Reader
	config EngineConfig

	// now is injectable for expiry tests.
	now func() time.Time

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine builds the engine. Zero config fields fall back to defaults.
func NewEngine(logger logging.Logger, store Store, reader chain.Reader, config EngineConfig) *Engine {
	defaults := DefaultEngineConfig()
	if config.PassInterval <= 0 {
		config.PassInterval = defaults.PassInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ConfirmationThreshold <= 0 {
		config.ConfirmationThreshold = defaults.ConfirmationThreshold
	}
	if config.IndexMaxLag <= 0 {
		config.IndexMaxLag = defaults.IndexMaxLag
	}

	return &Engine{
		logger: logging.ForComponent(logger, logging.ComponentConfirmEngine),
		store:  store,
		reader: reader,
		config: config,
		now:    time.Now,
	}
}

// Start launches the pass loop. Passes never overlap: the interval timer
// restarts only after a pass completes.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancelFn = context.WithCancel(ctx)

	e.wg.Add(1)
	go logging.RecoverGoRoutine(e.logger, "settlement_loop", func(ctx context.Context) {
		defer e.wg.Done()
		e.passLoop(ctx)
	})(e.ctx)

	e.logger.Info().
		Dur("pass_interval", e.config.PassInterval).
		Int("batch_size", e.config.BatchSize).
		Int64("confirmation_threshold", e.config.ConfirmationThreshold).
		Msg("confirmation engine started")
}

func (e *Engine) passLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.PassInterval):
		}

		report, err := e.RunPass(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("settlement pass failed")
			continue
		}
		e.logReport(report)
	}
}

func (e *Engine) logReport(report PassReport) {
	if report.Skipped {
		e.logger.Warn().Str("reason", report.SkipReason).Msg("settlement pass skipped")
		return
	}
	if report.Processed == 0 {
		return
	}

	evt := e.logger.Info()
	if report.Failed > 0 {
		evt = e.logger.Warn()
	}
	evt.
		Int("processed", report.Processed).
		Int("confirmed", report.Confirmed).
		Int("confirming", report.Confirming).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("settlement pass complete")
}

// Close stops the pass loop, letting an in-flight pass finish.
func (e *Engine) Close() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
	e.wg.Wait()
	e.logger.Info().Msg("confirmation engine stopped")
}

// RunPass executes one settlement pass. A whole-batch failure (unhealthy
// reader, tip or UTXO query failure) returns an error without touching any
// payment; per-payment failures land in the report.
func (e *Engine) RunPass(ctx context.Context) (PassReport, error) {
	start := time.Now()
	status := "failed"
	defer func() {
		observability.OperationDurationSeconds.
			WithLabelValues(logging.ComponentConfirmEngine, "settlement_pass", status).
			Observe(time.Since(start).Seconds())
	}()

	// The health gate protects against a lagging index expiring payments
	// whose deposits exist but are not indexed yet.
	if hc, ok := e.reader.(chain.HealthChecker); ok {
		healthy, err := hc.IsHealthy(ctx, e.config.IndexMaxLag)
		if err != nil {
			return PassReport{}, fmt.Errorf("reader health check: %w", err)
		}
		if !healthy {
			status = "skipped"
			passesTotal.WithLabelValues("skipped").Inc()
			return PassReport{Skipped: true, SkipReason: ErrReaderUnhealthy.Error()}, nil
		}
	}

	payments, err := e.store.ListOpen(ctx, e.config.BatchSize)
	if err != nil {
		return PassReport{}, fmt.Errorf("load open payments: %w", err)
	}
	if len(payments) == 0 {
		status = "empty"
		passesTotal.WithLabelValues("empty").Inc()
		return PassReport{}, nil
	}

	// One tip fetch and one batched UTXO query amortize the chain reads
	// across the whole batch.
	tip, err := e.reader.GetTip(ctx)
	if err != nil {
		return PassReport{}, fmt.Errorf("fetch tip: %w", err)
	}

	utxosByAddress, err := e.fetchUtxos(ctx, payments)
	if err != nil {
		return PassReport{}, err
	}

	var report PassReport
	for _, payment := range payments {
		report.Processed++

		err := logging.RecoverWithLogger(e.logger, logging.ComponentConfirmEngine, "settle_payment", func() error {
			return e.settle(ctx, &report, payment, tip, utxosByAddress[payment.Address])
		})
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors,
				fmt.Errorf("payment %s: %w", payment.ID, err))
			paymentErrors.Inc()
			observability.ErrorsTotal.WithLabelValues(logging.ComponentConfirmEngine, "settle_payment").Inc()

			evt := e.logger.Warn()
			if !IsRetryableError(err) {
				evt = e.logger.Error()
			}
			evt.Err(err).
				Str(logging.FieldPaymentID, payment.ID).
				Bool("retryable", IsRetryableError(err)).
				Msg("payment settlement failed")
		}
	}

	status = "completed"
	passesTotal.WithLabelValues("completed").Inc()
	passDuration.Observe(time.Since(start).Seconds())
	return report, nil
}

func (e *Engine) fetchUtxos(ctx context.Context, payments []*Payment) (map[string][]chain.Utxo, error) {
	seen := make(map[string]struct{}, len(payments))
	addresses := make([]string, 0, len(payments))
	for _, p := range payments {
		if _, ok := seen[p.Address]; ok {
			continue
		}
		seen[p.Address] = struct{}{}
		addresses = append(addresses, p.Address)
	}

	utxos, err := e.reader.GetUtxos(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("fetch utxos: %w", err)
	}

	byAddress := make(map[string][]chain.Utxo)
	for _, u := range utxos {
		byAddress[u.Address] = append(byAddress[u.Address], u)
	}
	return byAddress, nil
}

// settle advances one payment. The rules, in order:
//   - An unfunded PENDING payment past its deadline expires.
//   - A deposit below the expected amount changes nothing; the payment is
//     retried next pass.
//   - A sufficient deposit moves PENDING to CONFIRMING at the current tip.
//   - A CONFIRMING payment recomputes its confirmations from the tip and
//     settles once the threshold is met. CONFIRMING never expires.
func (e *Engine) settle(ctx context.Context, report *PassReport, payment *Payment, tip chain.Tip, utxos []chain.Utxo) error {
	switch payment.Status {
	case StatusPending:
		return e.settlePending(ctx, report, payment, tip, utxos)
	case StatusConfirming:
		return e.settleConfirming(ctx, report, payment, tip)
	default:
		return fmt.Errorf("%w: %s payment in open batch", ErrInvalidTransition, payment.Status)
	}
}

func (e *Engine) settlePending(ctx context.Context, report *PassReport, payment *Payment, tip chain.Tip, utxos []chain.Utxo) error {
	if len(utxos) == 0 {
		if e.now().After(payment.ExpiresAt) {
			if err := e.store.MarkExpired(ctx, payment.ID, "deposit window closed with no deposit"); err != nil {
				return err
			}
			report.Expired++
			paymentsExpired.Inc()
			e.logger.Info().
				Str(logging.FieldPaymentID, payment.ID).
				Str(logging.FieldStatus, string(StatusExpired)).
				Msg("payment expired")
		}
		return nil
	}

	var total int64
	txID := utxos[0].TxID
	for _, u := range utxos {
		total += u.Amount
	}

	if total < payment.AmountLovelace {
		// Underfunded: no transition, retried next pass. A partial deposit
		// also holds off expiry.
		e.logger.Debug().
			Str(logging.FieldPaymentID, payment.ID).
			Int64("observed", total).
			Int64("expected", payment.AmountLovelace).
			Msg("payment underfunded")
		return nil
	}

	msg := fmt.Sprintf("deposit of %d lovelace detected at height %d", total, tip.Height)
	if err := e.store.MarkConfirming(ctx, payment.ID, txID, tip.Height, msg); err != nil {
		return err
	}
	report.Confirming++
	e.logger.Info().
		Str(logging.FieldPaymentID, payment.ID).
		Str(logging.FieldTxID, txID).
		Int64(logging.FieldBlockHeight, tip.Height).
		Msg("deposit detected")
	return nil
}

func (e *Engine) settleConfirming(ctx context.Context, report *PassReport, payment *Payment, tip chain.Tip) error {
	if payment.DetectionHeight == nil {
		return fmt.Errorf("confirming payment %s has no detection height", payment.ID)
	}

	confirmations := tip.Height - *payment.DetectionHeight
	if confirmations < 0 {
		confirmations = 0
	}

	if confirmations < e.config.ConfirmationThreshold {
		if err := e.store.UpdateConfirmations(ctx, payment.ID, confirmations); err != nil {
			return err
		}
		report.Confirming++
		return nil
	}

	msg := fmt.Sprintf("confirmed with %d confirmations at height %d", confirmations, tip.Height)
	err := e.store.ConfirmAndCredit(ctx, payment.ID, confirmations, msg)
	if errors.Is(err, ErrAlreadySettled) {
		// Another settler won the race. The status gate already prevented
		// a double credit, so there is nothing to do.
		e.logger.Debug().
			Str(logging.FieldPaymentID, payment.ID).
			Msg("payment settled elsewhere")
		return nil
	}
	if err != nil {
		return err
	}

	report.Confirmed++
	paymentsConfirmed.Inc()
	creditsSettled.Add(float64(payment.Credits))
	return nil
}
