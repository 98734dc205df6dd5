package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

const listenRetryDelay = 2 * time.Second

// Postgres is a bus over LISTEN/NOTIFY, so every management node sees
// notifications published by any other. Topics must be valid channel
// identifiers and are fixed at construction.
type Postgres struct {
	pool   *pgxpool.Pool
	topics []string
	reg    *registry
}

// NewPostgres creates a bus listening on topics.
func NewPostgres(pool *pgxpool.Pool, topics ...string) *Postgres {
	return &Postgres{pool: pool, topics: topics, reg: newRegistry()}
}

// Publish implements Bus. The notification is delivered to this node's
// subscribers through its own listener.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, topic, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus.
func (p *Postgres) Subscribe(topic string, handler Handler) func() {
	return p.reg.subscribe(topic, handler)
}

// Run listens until ctx is cancelled, reconnecting after errors.
func (p *Postgres) Run(ctx context.Context) {
	for {
		err := p.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Event bus listener stopped, reconnecting",
			zap.Duration("delay", listenRetryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (p *Postgres) listen(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// A connection in LISTEN mode must not go back to the pool.
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	for _, topic := range p.topics {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", topic, err)
		}
	}
	logger.Info("Event bus listening", zap.Strings("topics", p.topics))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		p.reg.dispatch(ctx, n.Channel, []byte(n.Payload))
	}
}
