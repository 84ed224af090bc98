/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package courier

import (
	"context"
	"embed"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/database"
	"github.com/blnkfinance/courier/internal/cache"
	"github.com/blnkfinance/courier/internal/notification"
	redis_db "github.com/blnkfinance/courier/internal/redis-db"
	"github.com/blnkfinance/courier/internal/transport"
	"github.com/blnkfinance/courier/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("courier")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Courier wires the scheduler, batch builder, dispatcher and acknowledgement handler
// to their shared datasource, queue and transports.
type Courier struct {
	datasource database.IDataSource
	queue      JobQueue
	cache      cache.Cache
	redis      redis.UniversalClient
	transports map[model.DeliveryMethod]transport.Transport
	timeouts   map[model.DeliveryMethod]time.Duration
	config     *config.Configuration
	instanceID string
	now        func() time.Time
}

// NewCourier builds a Courier from the loaded configuration.
func NewCourier(db database.IDataSource) (*Courier, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.Connect(context.Background(), cfg.Redis)
	if err != nil {
		return nil, err
	}

	registryCache := cache.NewRedisCache(redisClient, time.Duration(cfg.Scheduler.RegistryCacheTTLSec)*time.Second)

	transports, err := transport.NewRegistry(context.Background(), cfg.Transport)
	if err != nil {
		logrus.Warnf("cloud storage transport disabled: %v", err)
	}

	queue, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}

	c := &Courier{
		datasource: db,
		queue:      queue,
		cache:      registryCache,
		redis:      redisClient,
		transports: transports,
		timeouts:   transport.Timeouts(cfg.Transport),
		config:     cfg,
		instanceID: model.GenerateUUIDWithSuffix("node"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return c.SendWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	})
	return c, nil
}

// DataSource exposes the underlying store, mainly for the migrate command and health checks.
func (c *Courier) DataSource() database.IDataSource {
	return c.datasource
}

func (c *Courier) Config() *config.Configuration {
	return c.config
}
