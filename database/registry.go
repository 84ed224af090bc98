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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"go.opentelemetry.io/otel"
)

const configColumns = `partner_id, partner_name, partner_code, partner_type, supported_transactions, file_format,
	delivery_method, delivery_target, fields, batch_size, include_header, field_delimiter, ack_endpoint,
	ack_sla_hours, is_active, created_at, updated_at`

func scanConfig(row rowScanner) (*model.IntegrationConfig, error) {
	c := &model.IntegrationConfig{}
	var partnerCode, partnerType, ackEndpoint sql.NullString
	var supported, target, fields []byte

	err := row.Scan(
		&c.PartnerID, &c.PartnerName, &partnerCode, &partnerType, &supported, &c.FileFormat,
		&c.DeliveryMethod, &target, &fields, &c.BatchSize, &c.IncludeHeader, &c.FieldDelimiter, &ackEndpoint,
		&c.AckSLAHours, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.PartnerCode = partnerCode.String
	c.PartnerType = partnerType.String
	c.AckEndpoint = ackEndpoint.String

	if err := json.Unmarshal(supported, &c.SupportedTransactions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(target, &c.DeliveryTarget); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.Fields); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetIntegrationConfig retrieves a partner's integration config.
func (d Datasource) GetIntegrationConfig(ctx context.Context, partnerID string) (*model.IntegrationConfig, error) {
	ctx, span := otel.Tracer("Registry").Start(ctx, "Fetching integration config")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+configColumns+` FROM courier.integration_configs WHERE partner_id = $1`, partnerID)
	c, err := scanConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Integration config for partner '%s' not found", partnerID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve integration config", err)
	}
	return c, nil
}

// ListIntegrationConfigs returns partner configs ordered by partner name.
func (d Datasource) ListIntegrationConfigs(ctx context.Context, activeOnly bool) ([]model.IntegrationConfig, error) {
	ctx, span := otel.Tracer("Registry").Start(ctx, "Listing integration configs")
	defer span.End()

	query := `SELECT ` + configColumns + ` FROM courier.integration_configs`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY partner_name ASC`

	rows, err := d.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query integration configs", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []model.IntegrationConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan integration config", err)
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}
