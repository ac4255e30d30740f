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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chatRequests tracks chat turns by mode and outcome.
	chatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_chat_requests_total",
			Help: "Total chat requests by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	// chatDuration tracks end-to-end chat turn latency.
	chatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_chat_duration_seconds",
			Help:    "Chat turn duration by mode",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"mode"},
	)

	// chatTokens tracks total tokens consumed by completed turns.
	chatTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_chat_tokens_total",
			Help: "Total tokens consumed by completed chat turns",
		},
	)

	// toolCalls tracks tool invocations surfaced to clients.
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_tool_calls_total",
			Help: "Total tool calls by tool name",
		},
		[]string{"tool"},
	)

	// rateLimitRejections tracks requests refused by a limiter.
	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ratelimit_rejections_total",
			Help: "Total requests rejected by rate limiting, by limit name",
		},
		[]string{"limit"},
	)
)

func recordRejection(limit string) {
	rateLimitRejections.WithLabelValues(limit).Inc()
}
