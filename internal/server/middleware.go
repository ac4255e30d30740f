// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiter smooths request bursts per client in front of the chat
// handlers. This sits below the chat-level quotas, which count messages
// and tokens rather than raw requests.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether the client may proceed, consuming one token.
func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(c.rps, c.burst)
		c.limiters[client] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}

// rateLimited applies the per-client request smoother.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		if !s.clients.allow(user) {
			recordRejection("requests_per_second")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "too many requests, slow down",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userFrom resolves the requesting user. Authentication is out front;
// here the identity arrives as a header set by the proxy.
func userFrom(r *http.Request) string {
	if user := r.Header.Get("X-User"); user != "" {
		return user
	}
	return "default"
}
