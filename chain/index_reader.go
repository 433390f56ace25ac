package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adagate/adagate/config"
	"github.com/adagate/adagate/logging"
)

// IndexReader reads chain state from a synced Postgres chain index
// (`blocks` and `utxos` tables maintained by an external indexer). It is
// cheaper than the live node path for batched settlement queries, but it can
// lag the chain, so it implements HealthChecker and the settlement engine
// gates every pass on it.
type IndexReader struct {
	logger logging.Logger
	pool   *pgxpool.Pool
}

// NewIndexReader connects to the chain index database.
func NewIndexReader(ctx context.Context, logger logging.Logger, cfg config.PostgresConfig) (*IndexReader, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse index DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to chain index: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping chain index: %w", err)
	}

	return &IndexReader{
		logger: logging.ForComponent(logger, logging.ComponentIndexReader),
		pool:   pool,
	}, nil
}

// GetUtxos implements Reader with one query over the whole address batch.
func (r *IndexReader) GetUtxos(ctx context.Context, addresses []string) ([]Utxo, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT tx_id, output_index, address, amount_lovelace, block_height, block_time
		FROM utxos
		WHERE address = ANY($1) AND spent_in_tx IS NULL
		ORDER BY block_height, tx_id, output_index`,
		addresses,
	)
	if err != nil {
		return nil, fmt.Errorf("query indexed utxos: %w", err)
	}
	defer rows.Close()

	var utxos []Utxo
	for rows.Next() {
		var u Utxo
		if err := rows.Scan(&u.TxID, &u.OutputIndex, &u.Address, &u.Amount, &u.BlockHeight, &u.BlockTime); err != nil {
			return nil, fmt.Errorf("scan indexed utxo: %w", err)
		}
		utxos = append(utxos, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read indexed utxos: %w", err)
	}

	return utxos, nil
}

// GetTip implements Reader, returning the highest indexed block.
func (r *IndexReader) GetTip(ctx context.Context) (Tip, error) {
	var tip Tip
	err := r.pool.QueryRow(ctx, `
		SELECT height, slot, block_id, epoch_no
		FROM blocks
		ORDER BY height DESC
		LIMIT 1`,
	).Scan(&tip.Height, &tip.Slot, &tip.BlockID, &tip.EpochNo)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Tip{}, fmt.Errorf("chain index is empty")
		}
		return Tip{}, fmt.Errorf("query indexed tip: %w", err)
	}
	return tip, nil
}

// IsHealthy implements HealthChecker by comparing the latest indexed block
// time against the wall clock.
func (r *IndexReader) IsHealthy(ctx context.Context, maxLag time.Duration) (bool, error) {
	var blockTime time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT block_time
		FROM blocks
		ORDER BY height DESC
		LIMIT 1`,
	).Scan(&blockTime)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query index freshness: %w", err)
	}

	lag := time.Since(blockTime)
	healthy := lag <= maxLag
	if !healthy {
		r.logger.Warn().
			Dur("lag", lag).
			Dur("max_lag", maxLag).
			Msg("chain index is lagging")
	}
	return healthy, nil
}

// Close releases the database pool.
func (r *IndexReader) Close() {
	r.pool.Close()
}
