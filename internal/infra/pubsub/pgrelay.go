package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	domain "github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const (
	// Channel is the postgres NOTIFY channel shared by every instance.
	Channel = "osintscan_scan_events"

	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// PGRelay publishes events with pg_notify and feeds notifications from every
// instance, this one included, into the local Hub.
type PGRelay struct {
	db  *sqlx.DB
	dsn string
	hub *Hub
}

func NewPGRelay(db *sqlx.DB, dsn string, hub *Hub) *PGRelay {
	return &PGRelay{db: db, dsn: dsn, hub: hub}
}

func (r *PGRelay) Publish(ctx context.Context, evt domain.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(b)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Run listens until ctx is done.
func (r *PGRelay) Run(ctx context.Context) error {
	l := pq.NewListener(r.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.WarnContext(ctx, "Scan event listener state change.", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	})
	defer l.Close()

	if err := l.Listen(Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	slog.InfoContext(ctx, "Relaying scan events.", slog.String("channel", Channel))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			// nil after a reconnect; anything sent meanwhile is lost
			if n == nil {
				continue
			}
			r.relay(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := l.Ping(); err != nil {
					slog.WarnContext(ctx, "Scan event listener ping failed.", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (r *PGRelay) relay(ctx context.Context, payload string) {
	var evt domain.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		slog.WarnContext(ctx, "Discarding malformed scan event.", slog.String("error", err.Error()))
		return
	}
	r.hub.deliver(ctx, evt)
}
