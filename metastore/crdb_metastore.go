package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/utils"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

type (
	// CRDBMetaStore persists catalog metadata in CockroachDB (or vanilla
	// postgres, the SQL is compatible)
	CRDBMetaStore struct {
		pool *pgxpool.Pool
	}
)

const uniqueViolation = "23505"

func NewCRDBMetaStore(pool *pgxpool.Pool) (*CRDBMetaStore, error) {
	return &CRDBMetaStore{
		pool: pool,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (ms *CRDBMetaStore) UpsertTable(ctx context.Context, table string) error {
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO tables (name, created_at) VALUES ($1, now())`, table)
		if isUniqueViolation(err) {
			// already declared, bootstrap re-runs hit this
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("error upserting table: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) UpsertPartition(ctx context.Context, p PartitionRecord) error {
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO partitions (table_name, partition, tier, created_at, min_ts, max_ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (table_name, partition) DO UPDATE SET tier = $3, min_ts = $5, max_ts = $6
		`, p.Table, p.Partition, p.Tier, p.CreatedAt, p.MinTimestamp, p.MaxTimestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("error upserting partition: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) SetPartitionTier(ctx context.Context, table, partition, tier string) error {
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `UPDATE partitions SET tier = $3 WHERE table_name = $1 AND partition = $2`, table, partition, tier)
		return err
	})
	if err != nil {
		return fmt.Errorf("error setting partition tier: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) DeletePartition(ctx context.Context, table, partition string) error {
	// Partition and its parts go together so readers never see a half
	// deleted partition
	err := utils.ReliableExecInTx(ctx, ms.pool, time.Second*10, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM parts WHERE table_name = $1 AND partition = $2`, table, partition)
		if err != nil {
			return fmt.Errorf("error deleting parts: %w", err)
		}
		_, err = tx.Exec(ctx, `DELETE FROM partitions WHERE table_name = $1 AND partition = $2`, table, partition)
		if err != nil {
			return fmt.Errorf("error deleting partition: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error in ReliableExecInTx: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) ListPartitions(ctx context.Context, table string) ([]PartitionRecord, error) {
	var records []PartitionRecord
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT table_name, partition, tier, created_at, min_ts, max_ts FROM partitions WHERE table_name = $1`, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		records = records[:0]
		for rows.Next() {
			var rec PartitionRecord
			var minTS, maxTS pgtype.Timestamptz
			if err := rows.Scan(&rec.Table, &rec.Partition, &rec.Tier, &rec.CreatedAt, &minTS, &maxTS); err != nil {
				return fmt.Errorf("error in rows.Scan: %w", err)
			}
			if minTS.Status == pgtype.Present {
				rec.MinTimestamp = minTS.Time
			}
			if maxTS.Status == pgtype.Present {
				rec.MaxTimestamp = maxTS.Time
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing partitions: %w", err)
	}
	return records, nil
}

func (ms *CRDBMetaStore) UpsertPart(ctx context.Context, table string, p part.Part) error {
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO parts (table_name, partition, id, alive, created_at, row_count, bytes, min_ts, max_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (table_name, partition, id) DO UPDATE SET alive = $4, row_count = $6, bytes = $7
		`, table, p.Partition, p.ID, p.Alive, p.CreatedAt, p.RowCount, p.Bytes, p.MinTimestamp, p.MaxTimestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("error upserting part: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) SetPartStates(ctx context.Context, table, partition string, partIDs []string, alive bool) error {
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `UPDATE parts SET alive = $4 WHERE table_name = $1 AND partition = $2 AND id = ANY($3)`, table, partition, partIDs, alive)
		return err
	})
	if err != nil {
		return fmt.Errorf("error setting part states: %w", err)
	}
	return nil
}

func (ms *CRDBMetaStore) ListParts(ctx context.Context, table, partition string) ([]part.Part, error) {
	var parts []part.Part
	err := utils.ReliableExec(ctx, ms.pool, time.Second*10, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT partition, id, alive, created_at, row_count, bytes, min_ts, max_ts FROM parts WHERE table_name = $1 AND partition = $2`, table, partition)
		if err != nil {
			return err
		}
		defer rows.Close()
		parts = parts[:0]
		for rows.Next() {
			var p part.Part
			var minTS, maxTS pgtype.Timestamptz
			if err := rows.Scan(&p.Partition, &p.ID, &p.Alive, &p.CreatedAt, &p.RowCount, &p.Bytes, &minTS, &maxTS); err != nil {
				return fmt.Errorf("error in rows.Scan: %w", err)
			}
			if minTS.Status == pgtype.Present {
				p.MinTimestamp = minTS.Time
			}
			if maxTS.Status == pgtype.Present {
				p.MaxTimestamp = maxTS.Time
			}
			parts = append(parts, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing parts: %w", err)
	}
	return parts, nil
}

func (ms *CRDBMetaStore) Shutdown(_ context.Context) error {
	ms.pool.Close()
	return nil
}
