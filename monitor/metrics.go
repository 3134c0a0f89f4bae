package monitor

import "go.opentelemetry.io/otel/attribute"

func circuitIDAttr(circuitID string) attribute.KeyValue {
	return attribute.String("circuit_id", circuitID)
}
