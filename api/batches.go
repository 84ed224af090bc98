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
	"errors"
	"net/http"

	"github.com/blnkfinance/courier"
	model2 "github.com/blnkfinance/courier/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) GetBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.courier.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ListBatches(c *gin.Context) {
	filter, err := ParseBatchFilter(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.ListBatches(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ListStaleBatches(c *gin.Context) {
	resp, err := a.courier.ListStaleBatches(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetStatistics(c *gin.Context) {
	filter, err := ParseBatchFilter(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.GetStatistics(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetBatchAuditTrail(c *gin.Context) {
	resp, err := a.courier.BatchAuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// AcknowledgeBatch handles partner acknowledgement callbacks. Duplicate or late callbacks
// are answered with 202 and status "ignored" so partners do not retry them.
func (a Api) AcknowledgeBatch(c *gin.Context) {
	var ack model2.AcknowledgeBatch
	if err := c.ShouldBindJSON(&ack); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := ack.ValidateAcknowledgeBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.Acknowledge(c.Request.Context(), c.Param("id"), ack.ConfirmationRef, requestActor(c, ack.PerformedBy))
	if errors.Is(err, courier.ErrInvalidTransition) {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "batch": resp})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RejectBatch(c *gin.Context) {
	var reject model2.RejectBatch
	if err := c.ShouldBindJSON(&reject); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := reject.ValidateRejectBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.Reject(c.Request.Context(), c.Param("id"), reject.Reason, requestActor(c, reject.PerformedBy))
	if errors.Is(err, courier.ErrInvalidTransition) {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "batch": resp})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ForceFailBatch(c *gin.Context) {
	var body model2.ForceFailBatch
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateForceFailBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.ForceFailBatch(c.Request.Context(), c.Param("id"), body.Reason, requestActor(c, body.PerformedBy))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// TriggerBatch ships one batch for a partner outside any schedule. A failed delivery still
// answers with the FAILED batch so the caller sees what was attempted.
func (a Api) TriggerBatch(c *gin.Context) {
	var trigger model2.TriggerBatch
	if err := c.ShouldBindJSON(&trigger); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := trigger.ValidateTriggerBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.TriggerBatch(c.Request.Context(), c.Param("id"), trigger.TransactionType, requestActor(c, trigger.PerformedBy))
	if errors.Is(err, courier.ErrTransport) && resp != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "batch": resp})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}
	if resp == nil {
		c.JSON(http.StatusOK, gin.H{"status": "nothing to ship"})
		return
	}

	c.JSON(http.StatusCreated, resp)
}
