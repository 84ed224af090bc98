package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// RegistryChannel is notified by the integration_configs trigger on every insert, update or delete.
const RegistryChannel = "courier_registry_change"

type NotificationHandler interface {
	HandleNotification(ctx context.Context, table string, data map[string]interface{}) error
}

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	Interval  time.Duration // keepalive ping when nothing arrives
	Timeout   time.Duration // max reconnect backoff
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string                 `json:"table"`
	Data  map[string]interface{} `json:"data"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.Channel == "" {
		config.Channel = RegistryChannel
	}
	if config.Interval <= 0 {
		config.Interval = 90 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start blocks until ctx is cancelled, dispatching every notification to the handler.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, 10*time.Second, d.config.Timeout, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.Warnf("registry listener event %d: %v", ev, err)
		}
	})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.Infof("listening for PostgreSQL notifications on channel '%s'", d.config.Channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; anything missed is covered by the cache TTL
			if n != nil {
				d.handleNotification(ctx, n.Extra)
			}
		case <-time.After(d.config.Interval):
			go func() { _ = listener.Ping() }()
		}
	}
}

func (d *DBListener) handleNotification(ctx context.Context, extra string) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		logrus.Errorf("Error unmarshalling notification payload: %v", err)
		return
	}

	for key, value := range payload.Data {
		if value == nil {
			delete(payload.Data, key)
		}
	}

	if err := d.handler.HandleNotification(ctx, payload.Table, payload.Data); err != nil {
		logrus.Errorf("Error handling notification: %v", err)
	}
}
