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
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a Api) ListAuditLog(c *gin.Context) {
	filter, err := ParseAuditFilter(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	resp, err := a.courier.ListAuditLog(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListIntegrations returns the partner registry. Pass active=true for active partners only.
func (a Api) ListIntegrations(c *gin.Context) {
	resp, err := a.courier.ListIntegrationConfigs(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetIntegration(c *gin.Context) {
	resp, err := a.courier.GetIntegrationConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) QueueSizes(c *gin.Context) {
	resp, err := a.courier.QueueSizes()
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
