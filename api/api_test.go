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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/courier"
	"github.com/blnkfinance/courier/api/middleware"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/database/mocks"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response == nil {
		return resp, nil
	}
	err := json.NewDecoder(resp.Body).Decode(s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type testServer struct {
	router *gin.Engine
	ds     *mocks.MockDataSource
	redis  *miniredis.Miniredis
}

func testConfig(redisAddr string) *config.Configuration {
	return &config.Configuration{
		ProjectName: "courier-test",
		Redis:       config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{
			TaskRunQueue:      "courier_task_run",
			WebhookQueue:      "courier_webhook",
			NotificationQueue: "courier_notification",
		},
		Scheduler: config.SchedulerConfig{
			TickIntervalSec:     60,
			StaleMultiplier:     2,
			RegistryCacheTTLSec: 60,
		},
	}
}

func setupRouter(t *testing.T, mutate ...func(*config.Configuration)) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	cnf := testConfig(mr.Addr())
	for _, m := range mutate {
		m(cnf)
	}
	config.MockConfig(cnf)

	ds := new(mocks.MockDataSource)
	newCourier, err := courier.NewCourier(ds)
	require.NoError(t, err)

	return &testServer{router: NewAPI(newCourier).Router(), ds: ds, redis: mr}
}

func TestHealthCheck(t *testing.T) {
	srv := setupRouter(t)

	var body string
	resp, err := SetUpTestRequest(TestRequest{Router: srv.router, Method: http.MethodGet, Route: "/", Response: &body})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "server running...", body)
}

func TestSecretKeyIsEnforcedWhenConfigured(t *testing.T) {
	srv := setupRouter(t, func(c *config.Configuration) { c.Server.SecretKey = "s3cret" })

	resp, err := SetUpTestRequest(TestRequest{Router: srv.router, Method: http.MethodGet, Route: "/queues"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	var sizes map[string]int
	resp, err = SetUpTestRequest(TestRequest{
		Router:   srv.router,
		Method:   http.MethodGet,
		Route:    "/queues",
		Header:   map[string]string{middleware.SecretKeyHeader: "s3cret"},
		Response: &sizes,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, sizes, 3)
	assert.Contains(t, sizes, "courier_task_run")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy task", courier.ErrTaskBusy, http.StatusConflict},
		{"inactive task", courier.ErrTaskNotActive, http.StatusConflict},
		{"illegal transition", courier.ErrInvalidTransition, http.StatusConflict},
		{"unknown partner", courier.ErrConfigNotFound, http.StatusNotFound},
		{"transport", courier.ErrTransportTimeout, http.StatusBadGateway},
		{"anything else", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
