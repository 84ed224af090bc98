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

package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"github.com/gin-gonic/gin"
)

// queryTime parses an RFC 3339 timestamp or a plain YYYY-MM-DD date from the query string.
func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("%s must be RFC 3339 or YYYY-MM-DD", key), nil)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("%s must be a non-negative integer", key), err)
	}
	return n, nil
}

// pageFromContext reads limit and offset.
func pageFromContext(c *gin.Context) (int, int, error) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func timeRangeFromContext(c *gin.Context) (*time.Time, *time.Time, error) {
	from, err := queryTime(c, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, apierror.NewAPIError(apierror.ErrBadRequest, "to must not be before from", nil)
	}
	return from, to, nil
}

func transactionTypeFromContext(c *gin.Context) (model.TransactionType, error) {
	t := model.TransactionType(strings.ToUpper(c.Query("transaction_type")))
	if t != "" && !t.Valid() {
		return "", apierror.NewAPIError(apierror.ErrBadRequest, "unknown transaction_type "+string(t), nil)
	}
	return t, nil
}

// ParseBatchFilter reads the batch list filters: partner_id, transaction_type, status, task_id,
// from, to, limit and offset.
func ParseBatchFilter(c *gin.Context) (model.BatchFilter, error) {
	var filter model.BatchFilter
	var err error

	filter.PartnerID = c.Query("partner_id")
	filter.TaskID = c.Query("task_id")
	filter.Status = model.BatchStatus(strings.ToUpper(c.Query("status")))
	if filter.TransactionType, err = transactionTypeFromContext(c); err != nil {
		return filter, err
	}
	if filter.From, filter.To, err = timeRangeFromContext(c); err != nil {
		return filter, err
	}
	filter.Limit, filter.Offset, err = pageFromContext(c)
	return filter, err
}

// ParseAuditFilter reads the audit log filters: entity_id, partner_id, action,
// transaction_type, from, to, limit and offset.
func ParseAuditFilter(c *gin.Context) (model.AuditFilter, error) {
	var filter model.AuditFilter
	var err error

	filter.EntityID = c.Query("entity_id")
	filter.PartnerID = c.Query("partner_id")
	filter.Action = model.AuditAction(strings.ToUpper(c.Query("action")))
	if filter.TransactionType, err = transactionTypeFromContext(c); err != nil {
		return filter, err
	}
	if filter.From, filter.To, err = timeRangeFromContext(c); err != nil {
		return filter, err
	}
	filter.Limit, filter.Offset, err = pageFromContext(c)
	return filter, err
}

func ParseTaskFilter(c *gin.Context) (model.TaskFilter, error) {
	var filter model.TaskFilter
	var err error

	filter.PartnerID = c.Query("partner_id")
	filter.Status = model.TaskStatus(strings.ToUpper(c.Query("status")))
	filter.TaskType = model.TaskType(strings.ToUpper(c.Query("task_type")))
	filter.Limit, filter.Offset, err = pageFromContext(c)
	return filter, err
}
