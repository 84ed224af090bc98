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
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

const (
	// SecretKeyHeader carries the server secret when auth is enabled. A bearer token is accepted too.
	SecretKeyHeader = "X-Courier-Key"
	// ActorHeader names the operator or partner behind a request, e.g. "user:ops" or "partner:bpi".
	ActorHeader = "X-Courier-Actor"
	// ActorKey is the gin context key RequestActor stores the header value under.
	ActorKey = "courier.actor"
)

// RateLimit throttles requests per client IP. Nil limits disable it.
func RateLimit(conf config.RateLimitConfig) gin.HandlerFunc {
	if conf.RequestsPerSecond == nil || conf.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	ttl := time.Hour
	if conf.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*conf.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*conf.Burst)

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByKeys(lmt, []string{c.ClientIP()}); httpError != nil {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// Authenticate rejects requests that do not present secret. An empty secret leaves the API open.
func Authenticate(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		presented := c.GetHeader(SecretKeyHeader)
		if presented == "" {
			presented = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}

		switch {
		case presented == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing secret key"})
		case subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) != 1:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret key"})
		default:
			c.Next()
		}
	}
}

// RequestActor records the ActorHeader so handlers can attribute audit entries to the caller.
func RequestActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(ActorHeader)); actor != "" {
			c.Set(ActorKey, actor)
		}
		c.Next()
	}
}
