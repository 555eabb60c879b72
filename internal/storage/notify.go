package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChannelInbox is notified with the ordering key of every new inbox row.
const ChannelInbox = "kansoku_inbox"

// Reconnect delays for a broken notify connection.
const (
	notifyRetryMin = time.Second
	notifyRetryMax = 30 * time.Second
)

// ErrNotifyUnavailable is returned by Listen when no notify connection is configured.
var ErrNotifyUnavailable = errors.New("storage: notify connection not configured")

func (db *DB) notify() *pgx.Conn {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.notifyConn
}

// Listen starts listening on the specified channel using the dedicated notify
// connection, reconnecting first if that connection was lost.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyDSN == "" {
		return ErrNotifyUnavailable
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil || db.notifyConn.IsClosed() {
		conn, err := pgx.Connect(ctx, db.notifyDSN)
		if err != nil {
			return fmt.Errorf("storage: connect notify: %w", err)
		}
		db.notifyConn = conn
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	conn := db.notify()
	if conn == nil {
		return "", "", ErrNotifyUnavailable
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// dropNotify closes the notify connection so the next Listen reconnects.
func (db *DB) dropNotify(ctx context.Context) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
		db.notifyConn = nil
	}
}

// ListenInbox calls wake for every inbox notification until ctx is done. A
// failing notify connection is reopened with backoff; it returns nil once ctx
// is done and ErrNotifyUnavailable when no notify DSN is configured.
func (db *DB) ListenInbox(ctx context.Context, wake func(orderingKey string)) error {
	if db.notifyDSN == "" {
		return ErrNotifyUnavailable
	}
	delay := notifyRetryMin
	for {
		err := db.Listen(ctx, ChannelInbox)
		for err == nil {
			var payload string
			_, payload, err = db.WaitForNotification(ctx)
			if err == nil {
				delay = notifyRetryMin
				wake(payload)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		db.logger.Warn("storage: inbox notifications interrupted, reconnecting",
			"error", err, "retry_in", delay)
		db.dropNotify(context.WithoutCancel(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, notifyRetryMax)
	}
}
