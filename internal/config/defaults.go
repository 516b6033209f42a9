// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used when the tiktoken encoding is unavailable.
const TokenEstimateRatio = 4

// =============================================================================
// ROUTING
// =============================================================================

// DefaultLongContextThreshold applies when Router.longContextThreshold is unset.
const DefaultLongContextThreshold = 60000

// LongContextReentryFloor is the lower size trigger for sessions whose last
// turn already exceeded the threshold. Built in; scoped configs cannot change it.
const LongContextReentryFloor = 20000

// SubagentModelTag wraps an explicit model id at the start of the second system block.
const (
	SubagentModelTagOpen  = "<CCR-SUBAGENT-MODEL>"
	SubagentModelTagClose = "</CCR-SUBAGENT-MODEL>"
)

// CustomRouterTimeout bounds one invocation of CUSTOM_ROUTER_PATH.
const CustomRouterTimeout = 5 * time.Second

// =============================================================================
// CACHES
// =============================================================================

// UsageCacheCapacity is the number of sessions whose last usage is kept.
const UsageCacheCapacity = 100

// ProjectCacheCapacity is the number of session→project lookups kept.
const ProjectCacheCapacity = 1000

// ImageCacheCapacity bounds images stashed by the image agent.
const ImageCacheCapacity = 100

// DefaultImageTTL is how long a stashed image stays reachable.
const DefaultImageTTL = 5 * time.Minute

// SessionFileExt is the transcript file looked up per session in each project dir.
const SessionFileExt = ".jsonl"

// =============================================================================
// CONTINUATION
// =============================================================================

// MaxContinuationDepth stops nested tool continuations.
const MaxContinuationDepth = 5

// ContinuationTimeout bounds one continuation request. It must stay below
// DefaultServerWriteTimeout so an inner turn cannot stall the outer stream.
const ContinuationTimeout = 5 * time.Minute

// HeaderContinuationDepth carries the depth of a loopback continuation.
const HeaderContinuationDepth = "X-CCR-Continuation-Depth"

// HeaderAgents carries the active agents of the turn a loopback request belongs to.
const HeaderAgents = "X-CCR-Agents"

// HeaderRequestID identifies a request; loopback calls reuse the outer id.
const HeaderRequestID = "X-Request-Id"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultHost and DefaultPort are used when HOST / PORT are unset.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3456
)

// DefaultAPITimeout is the upstream request timeout when API_TIMEOUT_MS is unset.
const DefaultAPITimeout = 10 * time.Minute

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout.
const DefaultDialTimeout = 30 * time.Second

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the maximum allowed upstream response body (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// DefaultServerReadTimeout for HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// AnthropicVersion is sent upstream when the client did not send one.
const AnthropicVersion = "2023-06-01"

// =============================================================================
// EVENTS
// =============================================================================

// DefaultEventBuffer is the per-subscriber buffer of the event bus.
const DefaultEventBuffer = 64
