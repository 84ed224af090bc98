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
package model

import (
	"github.com/blnkfinance/courier/model"
)

type CreateTask struct {
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	TaskType         model.TaskType           `json:"task_type"`
	PartnerID        string                   `json:"partner_id"`
	ProductID        string                   `json:"product_id"`
	TransactionTypes []model.TransactionType  `json:"transaction_types"`
	Schedule         model.Schedule           `json:"schedule"`
	Delivery         model.DeliveryTemplate   `json:"delivery"`
	Notification     model.NotificationPolicy `json:"notification"`
	CreatedBy        string                   `json:"created_by"`
}

type UpdateTask struct {
	Name             *string                   `json:"name"`
	Description      *string                   `json:"description"`
	ProductID        *string                   `json:"product_id"`
	TransactionTypes []model.TransactionType   `json:"transaction_types"`
	Schedule         *model.Schedule           `json:"schedule"`
	Delivery         *model.DeliveryTemplate   `json:"delivery"`
	Notification     *model.NotificationPolicy `json:"notification"`
}

// RunTask is the optional body of a manual run or a cancel request.
type RunTask struct {
	PerformedBy string `json:"performed_by"`
}
