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
	"github.com/blnkfinance/courier/api/middleware"
	model2 "github.com/blnkfinance/courier/api/model"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	courier *courier.Courier
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/tasks", a.CreateTask)
	router.GET("/tasks", a.ListTasks)
	router.GET("/tasks/:id", a.GetTask)
	router.PUT("/tasks/:id", a.UpdateTask)
	router.DELETE("/tasks/:id", a.DeleteTask)
	router.POST("/tasks/:id/pause", a.PauseTask)
	router.POST("/tasks/:id/resume", a.ResumeTask)
	router.POST("/tasks/:id/run", a.RunTask)
	router.POST("/tasks/:id/cancel", a.CancelRun)
	router.GET("/tasks/:id/executions", a.ListExecutions)
	router.GET("/executions", a.RecentExecutions)

	router.GET("/batches", a.ListBatches)
	router.GET("/batches/stale", a.ListStaleBatches)
	router.GET("/batches/statistics", a.GetStatistics)
	router.GET("/batches/:id", a.GetBatch)
	router.GET("/batches/:id/audit", a.GetBatchAuditTrail)
	router.POST("/batches/:id/acknowledge", a.AcknowledgeBatch)
	router.POST("/batches/:id/reject", a.RejectBatch)
	router.POST("/batches/:id/force-fail", a.ForceFailBatch)

	router.GET("/audit-log", a.ListAuditLog)

	router.GET("/integrations", a.ListIntegrations)
	router.GET("/integrations/:id", a.GetIntegration)
	router.POST("/integrations/:id/run", a.TriggerBatch)

	router.GET("/queues", a.QueueSizes)
	return a.router
}

func NewAPI(c *courier.Courier) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimit(conf.RateLimit))
	r.Use(middleware.Authenticate(conf.Server.SecretKey))
	r.Use(middleware.RequestActor())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{courier: c, router: r}
}

// statusFor maps domain and datasource errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, courier.ErrNotFound), errors.Is(err, courier.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, courier.ErrTaskBusy),
		errors.Is(err, courier.ErrTaskNotActive),
		errors.Is(err, courier.ErrTaskNotRunning),
		errors.Is(err, courier.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, courier.ErrTransport):
		return http.StatusBadGateway
	}
	return apierror.MapErrorToHTTPStatus(err)
}

// requestActor attributes a mutation: the body's performed_by, then the actor header, then DefaultActor.
func requestActor(c *gin.Context, performedBy string) string {
	if performedBy != "" {
		return performedBy
	}
	if actor := c.GetString(middleware.ActorKey); actor != "" {
		return actor
	}
	return model2.DefaultActor
}

func respondWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
