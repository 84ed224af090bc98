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
	"fmt"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

const registryCachePrefix = "registry:"

// GetIntegrationConfig returns the active config of a partner. Missing and inactive partners
// both yield ErrConfigNotFound. Reads go through the registry cache.
func (c *Courier) GetIntegrationConfig(ctx context.Context, partnerID string) (*model.IntegrationConfig, error) {
	ctx, span := tracer.Start(ctx, "Fetching integration config")
	defer span.End()

	load := func(ctx context.Context) (interface{}, error) {
		return c.datasource.GetIntegrationConfig(ctx, partnerID)
	}

	cfg := &model.IntegrationConfig{}
	var err error
	if c.cache != nil {
		err = c.cache.Once(ctx, registryCachePrefix+partnerID, cfg, c.registryTTL(), load)
	} else {
		cfg, err = c.datasource.GetIntegrationConfig(ctx, partnerID)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: partner %s", ErrConfigNotFound, partnerID)
		}
		return nil, err
	}

	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: partner %s is inactive", ErrConfigNotFound, partnerID)
	}
	return cfg, nil
}

// ListIntegrationConfigs returns the partner registry, optionally only the active entries.
func (c *Courier) ListIntegrationConfigs(ctx context.Context, activeOnly bool) ([]model.IntegrationConfig, error) {
	return c.datasource.ListIntegrationConfigs(ctx, activeOnly)
}

// configsSupporting returns the active partners accepting a transaction type.
func (c *Courier) configsSupporting(ctx context.Context, txnType model.TransactionType) ([]model.IntegrationConfig, error) {
	configs, err := c.datasource.ListIntegrationConfigs(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []model.IntegrationConfig
	for _, cfg := range configs {
		if cfg.IsActive && cfg.Supports(txnType) {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (c *Courier) registryTTL() time.Duration {
	if c.config == nil || c.config.Scheduler.RegistryCacheTTLSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.config.Scheduler.RegistryCacheTTLSec) * time.Second
}

// RegistryInvalidator evicts cached partner configs when the registry table changes.
// It is fed by the pg-listener on the registry notification channel.
type RegistryInvalidator struct {
	courier *Courier
}

func NewRegistryInvalidator(c *Courier) *RegistryInvalidator {
	return &RegistryInvalidator{courier: c}
}

func (r *RegistryInvalidator) HandleNotification(ctx context.Context, table string, data map[string]interface{}) error {
	if table != "integration_configs" || r.courier.cache == nil {
		return nil
	}
	partnerID, _ := data["partner_id"].(string)
	if partnerID == "" {
		return nil
	}
	logrus.WithField("partner_id", partnerID).Info("integration config changed, evicting cached copy")
	return r.courier.cache.Delete(ctx, registryCachePrefix+partnerID)
}
