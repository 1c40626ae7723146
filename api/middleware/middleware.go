/*
Copyright 2024 Vigia Authors.

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
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
)

// SecretKeyHeader carries the server secret on authenticated requests.
const SecretKeyHeader = "X-Vigia-Key"

const rateLimitMessage = "Too many lookup requests, retry later"

// unthrottled routes are probes that must answer even when clients are
// flooding the lookup endpoints.
var unthrottled = map[string]bool{
	"/health": true,
}

// RateLimitMiddleware throttles lookup submissions per client address. It is a
// pass-through when no rate is configured.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*conf.RateLimit.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*conf.RateLimit.Burst)
	lmt.SetMessage(rateLimitMessage)
	lmt.SetOnLimitReached(func(_ http.ResponseWriter, r *http.Request) {
		logrus.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		}).Warn("lookup api rate limit reached")
	})

	return func(c *gin.Context) {
		if unthrottled[c.FullPath()] {
			c.Next()
			return
		}
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware rejects requests whose SecretKeyHeader does not
// match the configured server secret. The secret is read on every request so
// a reloaded configuration applies without restarting the API.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		provided := c.GetHeader(SecretKeyHeader)
		switch {
		case provided == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
		case subtle.ConstantTimeCompare([]byte(conf.Server.SecretKey), []byte(provided)) != 1:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
		default:
			c.Next()
		}
	}
}
