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

// Package transport delivers generated batch files to partner endpoints.
package transport

import (
	"context"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/model"
)

// File is a rendered batch ready to ship.
type File struct {
	Name        string
	Content     []byte
	ContentType string
	Checksum    string // sha256 hex of Content
	BatchID     string
	BatchNumber string
}

func (f File) Size() int64 {
	return int64(len(f.Content))
}

// Receipt is what a transport learned from a successful send.
type Receipt struct {
	Reference string
	Location  string
	BytesSent int64
}

// Transport ships one file to one target. Implementations do not retry.
type Transport interface {
	Send(ctx context.Context, file File, target model.DeliveryTarget) (*Receipt, error)
}

// Timeouts returns the per-method send deadline from config.
func Timeouts(cfg config.TransportConfig) map[model.DeliveryMethod]time.Duration {
	return map[model.DeliveryMethod]time.Duration{
		model.DeliveryMethodSFTP:         time.Duration(cfg.SFTP.TimeoutSec) * time.Second,
		model.DeliveryMethodAPI:          time.Duration(cfg.API.TimeoutSec) * time.Second,
		model.DeliveryMethodEmail:        time.Duration(cfg.SMTP.TimeoutSec) * time.Second,
		model.DeliveryMethodCloudStorage: time.Duration(cfg.CloudStorage.TimeoutSec) * time.Second,
	}
}

// NewRegistry builds every transport from config. Cloud storage is skipped when it cannot be
// configured, so a deployment without S3 still ships over the other methods.
func NewRegistry(ctx context.Context, cfg config.TransportConfig) (map[model.DeliveryMethod]Transport, error) {
	transports := map[model.DeliveryMethod]Transport{
		model.DeliveryMethodSFTP:  NewSFTP(cfg.SFTP),
		model.DeliveryMethodAPI:   NewAPI(time.Duration(cfg.API.TimeoutSec) * time.Second),
		model.DeliveryMethodEmail: NewEmail(cfg.SMTP),
	}

	cloud, err := NewCloudStorage(ctx, cfg.CloudStorage)
	if err != nil {
		return transports, err
	}
	transports[model.DeliveryMethodCloudStorage] = cloud
	return transports, nil
}
