package utils

import (
	"context"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// ReliableExec acquires a pool connection and runs f, retrying transient
// failures with exponential backoff until timeout elapses. Permanent errors
// (anything implementing IsPermanent() == true) are returned immediately.
func ReliableExec(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, f func(ctx context.Context, conn *pgxpool.Conn) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()
		err = f(ctx, conn)
		if err != nil {
			if pe, ok := err.(interface{ IsPermanent() bool }); ok && pe.IsPermanent() {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// ReliableExecInTx is ReliableExec but within a transaction, using the
// cockroach-go retry loop so serialization conflicts are transparently
// re-run.
func ReliableExecInTx(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, f func(ctx context.Context, tx pgx.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		err := crdbpgx.ExecuteTx(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return f(ctx, tx)
		})
		if err != nil {
			if pe, ok := err.(interface{ IsPermanent() bool }); ok && pe.IsPermanent() {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
