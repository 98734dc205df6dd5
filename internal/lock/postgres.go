package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

// Postgres implements Locker with session-level advisory locks. Each lease
// pins one pooled connection until it is released.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres locker.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// TryLock implements Locker.
func (p *Postgres) TryLock(ctx context.Context, name string, timeout time.Duration) (Lease, bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock %s: %w", name, err)
	}

	ok, err := acquire(ctx, timeout, func(ctx context.Context) (bool, error) {
		var got bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&got); err != nil {
			return false, err
		}
		return got, nil
	})
	if err != nil || !ok {
		conn.Release()
		if err != nil {
			return nil, false, fmt.Errorf("try advisory lock %s: %w", name, err)
		}
		return nil, false, nil
	}
	return &pgLease{conn: conn, name: name}, true, nil
}

type pgLease struct {
	conn *pgxpool.Conn
	name string
	once sync.Once
	err  error
}

func (l *pgLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		var released bool
		err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.name).Scan(&released)
		if err != nil || !released {
			// The session may still hold the lock; drop it with the connection.
			logger.Warn("Advisory unlock failed, closing connection",
				zap.String("lock", l.name),
				zap.Bool("released", released),
				zap.Error(err),
			)
			_ = l.conn.Conn().Close(ctx)
			l.err = err
		}
		l.conn.Release()
	})
	return l.err
}
