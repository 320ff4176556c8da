package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/viablesystems/synapse/pkg/models"
)

// Metadata keys stamped during enrichment.
const (
	MetadataProcessingStartedAt = "processing_started_at"
	MetadataSource              = "source"
	MetadataPriority            = "priority"
	MetadataCorrelationID       = "correlation_id"
	MetadataPartitionKey        = "partition_key"
)

// Lane names. Also used as metric labels.
const (
	LaneHighPriority    = "high_priority"
	LaneNormalPriority  = "normal_priority"
	LaneAnalytics       = "analytics"
	LanePatternMatching = "pattern_matching"
)

// patternPrefixes route event types into the pattern-matching lane.
var patternPrefixes = []string{
	"variety.",
	"system1.operation.",
	"system2.coordination.",
	"recursion.",
	"chaos.",
	"emergent.",
}

// enrich stamps the processing metadata onto the event. CorrelationID is a
// stable fingerprint of the (stream, type) pair so retries and replays of
// the same logical event correlate.
func enrich(e models.Event, lane string) models.Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 5)
	}
	e.Metadata[MetadataProcessingStartedAt] = time.Now()
	if _, ok := e.Metadata[MetadataSource]; !ok {
		e.Metadata[MetadataSource] = e.StreamID
	}
	e.Metadata[MetadataPriority] = lanePriority(lane)
	e.Metadata[MetadataCorrelationID] = CorrelationID(e.StreamID, e.EventType)
	e.Metadata[MetadataPartitionKey] = PartitionKey(e.StreamID)
	return e
}

// CorrelationID returns the first 12 hex characters of
// SHA-256(stream_id + event_type).
func CorrelationID(streamID, eventType string) string {
	sum := sha256.Sum256([]byte(streamID + eventType))
	return hex.EncodeToString(sum[:])[:12]
}

// PartitionKey derives a stable partition key from the stream ID.
func PartitionKey(streamID string) string {
	sum := sha256.Sum256([]byte(streamID))
	return hex.EncodeToString(sum[:])[:8]
}

func lanePriority(lane string) models.Priority {
	if lane == LaneHighPriority {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

// classify routes an event to its lane.
func classify(e models.Event) string {
	if isHighPriority(e) {
		return LaneHighPriority
	}
	t := e.EventType
	if strings.Contains(t, ".metric.") || strings.Contains(t, ".performance.") || strings.HasPrefix(t, "analytics.") {
		return LaneAnalytics
	}
	for _, prefix := range patternPrefixes {
		if strings.HasPrefix(t, prefix) {
			return LanePatternMatching
		}
	}
	return LaneNormalPriority
}

func isHighPriority(e models.Event) bool {
	if p, ok := e.Metadata[MetadataPriority].(models.Priority); ok && (p == models.PriorityHigh || p == models.PriorityCritical) {
		return true
	}
	if p, ok := e.Metadata[MetadataPriority].(string); ok && (p == string(models.PriorityHigh) || p == string(models.PriorityCritical)) {
		return true
	}
	t := e.EventType
	if strings.HasPrefix(t, "algedonic.") || strings.HasPrefix(t, "system5.") {
		return true
	}
	if strings.Contains(t, ".critical.") {
		return true
	}
	if u, ok := payloadFloat(e.Payload, "urgency"); ok && u > 0.8 {
		return true
	}
	return false
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
