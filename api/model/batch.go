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

import "github.com/blnkfinance/courier/model"

// AcknowledgeBatch is the partner callback (or operator action) confirming receipt of a batch.
type AcknowledgeBatch struct {
	ConfirmationRef string `json:"confirmation_ref"`
	PerformedBy     string `json:"performed_by"`
}

type RejectBatch struct {
	Reason      string `json:"reason"`
	PerformedBy string `json:"performed_by"`
}

type ForceFailBatch struct {
	Reason      string `json:"reason"`
	PerformedBy string `json:"performed_by"`
}

// TriggerBatch asks for one off-schedule batch of a transaction type for a partner.
type TriggerBatch struct {
	TransactionType model.TransactionType `json:"transaction_type"`
	PerformedBy     string                `json:"performed_by"`
}
