package relay

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"referralchat/app/model"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/samber/oops"
)

var _ Relay = (*Postgres)(nil)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Postgres publishes with pg_notify and receives through a single LISTEN
// connection, fanning notifications out through a local Hub. Every process
// subscribed to a thread sees every message, including its own.
type Postgres struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	hub      *Hub

	mu        sync.Mutex
	listening map[string]int
}

func NewPostgres(pool *pgxpool.Pool, dsn string, buffer int) *Postgres {
	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("Relay listener event", "event", event, "error", err)
			}
		})

	return &Postgres{
		pool:      pool,
		listener:  listener,
		hub:       NewHub(buffer),
		listening: make(map[string]int),
	}
}

func ChannelName(threadID string) string {
	sum := sha1.Sum([]byte(threadID))

	return "thread_" + hex.EncodeToString(sum[:])
}

func (p *Postgres) Publish(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(MessageEvent(msg))
	if err != nil {
		return oops.In("relay").Wrapf(err, "marshal event")
	}

	if _, err = p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelName(msg.ThreadID), string(payload)); err != nil {
		return oops.In("relay").
			With("thread_id", msg.ThreadID).
			Wrapf(err, "pg_notify")
	}

	return nil
}

func (p *Postgres) Subscribe(threadID string) (*Subscription, error) {
	channel := ChannelName(threadID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listening[channel] == 0 {
		if err := p.listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, oops.In("relay").
				With("thread_id", threadID).
				Wrapf(err, "listen")
		}
	}
	p.listening[channel]++

	return p.hub.subscribe(threadID, func() {
		p.release(channel)
	}), nil
}

func (p *Postgres) release(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listening[channel]--
	if p.listening[channel] > 0 {
		return
	}

	delete(p.listening, channel)
	if err := p.listener.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		slog.Warn("Relay unlisten failed", "channel", channel, "error", err)
	}
}

func (p *Postgres) Run(ctx context.Context) error {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-p.listener.Notify:
			if n == nil {
				// Reconnected: anything sent meanwhile is lost.
				slog.Info("Relay listener reconnected, resyncing subscribers")
				p.hub.Broadcast()
				continue
			}

			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				slog.Warn("Relay dropped malformed notification", "channel", n.Channel, "error", err)
				continue
			}

			p.hub.Deliver(ev)
		case <-ticker.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					slog.Warn("Relay listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (p *Postgres) Shutdown() error {
	_ = p.hub.Shutdown()

	return p.listener.Close()
}
