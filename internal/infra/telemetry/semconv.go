// Package telemetry provides OpenTelemetry initialisation and semantic conventions for stagefeed.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for stagefeed telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStageStatus labels emit metrics with the stage outcome (done, error, ...).
	AttrStageStatus = attribute.Key("stage.status")
	// AttrResult records the outcome of an operation (accepted, deduplicated, ...).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for rejections and defaults.
	AttrReason = attribute.Key("reason")
	// AttrScope distinguishes global and pipeline-scoped subscriptions.
	AttrScope = attribute.Key("subscription.scope")
	// AttrTransport identifies the streaming transport (sse, websocket).
	AttrTransport = attribute.Key("transport")
	// AttrFrameType differentiates event and heartbeat frames.
	AttrFrameType = attribute.Key("frame.type")
)

// Emit results.
const (
	ResultAccepted     = "accepted"
	ResultDeduplicated = "deduplicated"
	ResultClosed       = "closed"
)

// Frame write results.
const (
	ResultWritten = "written"
	ResultFailed  = "failed"
)

// Frame types written by stream handlers.
const (
	FrameReplay    = "replay"
	FrameLive      = "live"
	FrameHeartbeat = "heartbeat"
)

// EmitAttributes returns attributes for emit metrics.
func EmitAttributes(environment, status, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if status != "" {
		attrs = append(attrs, AttrStageStatus.String(status))
	}
	return attrs
}

// FrameAttributes returns attributes for stream frame metrics.
func FrameAttributes(environment, transport, frameType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrFrameType.String(frameType),
		AttrResult.String(result),
	}
}
