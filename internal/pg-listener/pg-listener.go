package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type NotificationHandler interface {
	HandleNotification(table string, data map[string]interface{}) error
}

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	// MinReconnect and MaxReconnect bound the pq listener reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// Ping is how often an idle connection is checked.
	Ping time.Duration
}

// DBListener relays postgres NOTIFY payloads of the form
// {"table": "...", "data": {...}} to a handler.
type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string                 `json:"table"`
	Data  map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.MinReconnect <= 0 {
		config.MinReconnect = 10 * time.Second
	}
	if config.MaxReconnect <= 0 {
		config.MaxReconnect = time.Minute
	}
	if config.Ping <= 0 {
		config.Ping = 90 * time.Second
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start listens on the configured channel until ctx is done.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnect, d.config.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("channel", d.config.Channel).Warn("postgres listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.Infof("listening for postgres notifications on channel %q", d.config.Channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; notifications may have been missed
			d.handleNotification(n)
		case <-time.After(d.config.Ping):
			if err := listener.Ping(); err != nil {
				logrus.WithError(err).Warn("postgres listener ping failed")
			}
		}
	}
}

func (d *DBListener) handleNotification(notification *pq.Notification) {
	if notification == nil {
		if err := d.handler.HandleNotification("", nil); err != nil {
			logrus.WithError(err).Warn("handling listener reconnect")
		}
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal([]byte(notification.Extra), &payload); err != nil {
		logrus.WithError(err).Warn("unmarshalling notification payload")
		return
	}

	if err := d.handler.HandleNotification(payload.Table, payload.Data); err != nil {
		logrus.WithError(err).WithField("table", payload.Table).Warn("handling notification")
	}
}
