// Package broker provides durable publish/subscribe between substrate
// nodes with a causality envelope on every message. Three implementations
// share one interface: in-process (default), Postgres NOTIFY with a
// persistent event table, and NATS.
package broker

// Topic names shared by the broker and the local broadcast paths.
const (
	TopicEventsAll    = "events:all"
	TopicHighPriority = "events:high_priority"
	TopicPatterns     = "events:patterns"
	TopicErrors       = "events:errors"
	TopicLive         = "events:live"

	TopicAnalyticsThroughput = "analytics:throughput"
	TopicAnalyticsInsights   = "analytics:insights"

	TopicCoordination = "vsm:coordination"

	TopicEmergencyResponse  = "emergency:response"
	TopicEmergencyRecursion = "emergency:recursion"
)

// TopicStream returns the per-stream topic name.
func TopicStream(streamID string) string { return "events:stream:" + streamID }

// TopicContext returns the per-context coordination topic name.
func TopicContext(id string) string { return "vsm:context:" + id }
