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
	"errors"

	"github.com/blnkfinance/courier/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DefaultActor is recorded when a request does not say who performed it.
const DefaultActor = "user:api"

func transactionTypesValidation(value interface{}) error {
	types, ok := value.([]model.TransactionType)
	if !ok {
		return errors.New("invalid transaction types")
	}
	for _, t := range types {
		if !t.Valid() {
			return errors.New("unknown transaction type " + string(t))
		}
	}
	return nil
}

func (t *CreateTask) ValidateCreateTask() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&t.TaskType, validation.Required),
		validation.Field(&t.Schedule),
		validation.Field(&t.TransactionTypes, validation.By(transactionTypesValidation)),
		validation.Field(&t.CreatedBy, validation.Required),
	)
}

func (t *UpdateTask) ValidateUpdateTask() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Name, validation.NilOrNotEmpty, validation.Length(1, 255)),
		validation.Field(&t.TransactionTypes, validation.By(transactionTypesValidation)),
	)
}

func (a *AcknowledgeBatch) ValidateAcknowledgeBatch() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ConfirmationRef, validation.Length(0, 255)),
	)
}

func (r *RejectBatch) ValidateRejectBatch() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Reason, validation.Required),
	)
}

func (f *ForceFailBatch) ValidateForceFailBatch() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.Reason, validation.Required),
	)
}

func (t *CreateTask) ToScheduledTask() *model.ScheduledTask {
	return &model.ScheduledTask{
		Name:             t.Name,
		Description:      t.Description,
		TaskType:         t.TaskType,
		PartnerID:        t.PartnerID,
		ProductID:        t.ProductID,
		TransactionTypes: t.TransactionTypes,
		Schedule:         t.Schedule,
		Delivery:         t.Delivery,
		Notification:     t.Notification,
		CreatedBy:        t.CreatedBy,
	}
}

func (t *UpdateTask) ToTaskPatch() model.TaskPatch {
	return model.TaskPatch{
		Name:             t.Name,
		Description:      t.Description,
		ProductID:        t.ProductID,
		TransactionTypes: t.TransactionTypes,
		Schedule:         t.Schedule,
		Delivery:         t.Delivery,
		Notification:     t.Notification,
	}
}

func (t *TriggerBatch) ValidateTriggerBatch() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.TransactionType, validation.Required, validation.By(func(value interface{}) error {
			if txnType, _ := value.(model.TransactionType); !txnType.Valid() {
				return errors.New("unknown transaction type " + string(txnType))
			}
			return nil
		})),
	)
}
