package api

import (
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// Ready indicates the discovery operator for a Configuration is
	// actively streaming devices from a Discovery Handler.
	Ready string = "Ready"

	// ReasonUnavailableDiscoveryHandler is used when no endpoint is
	// registered for the Configuration's discoveryHandlerName.
	ReasonUnavailableDiscoveryHandler = "UnavailableDiscoveryHandler"

	// ReasonUnsolvableProperty is used when a discoveryProperties entry's
	// referenced Secret or ConfigMap key cannot be resolved.
	ReasonUnsolvableProperty = "UnsolvableProperty"

	// ReasonInvalidDiscoveryDetails is used when the Configuration itself is
	// malformed (duplicate property names, capacity < 1, etc).
	ReasonInvalidDiscoveryDetails = "InvalidDiscoveryDetails"

	// ReasonNoHandler is used transiently at startup before any handler has
	// registered.
	ReasonNoHandler = "NoHandler"

	// ReasonStreaming is used once the operator has an open Discover stream.
	ReasonStreaming = "Streaming"
)

type conditionsBuilder struct {
	cndType string
	status  v1.ConditionStatus
	reason  string
	message string
}

func Conditions() *conditionsBuilder {
	return &conditionsBuilder{}
}

func (builder *conditionsBuilder) Build() *v1.Condition {
	return &v1.Condition{
		Type:    builder.cndType,
		Status:  builder.status,
		Reason:  builder.reason,
		Message: builder.message,
	}
}

func (builder *conditionsBuilder) Ready() *conditionsBuilder {
	builder.status = v1.ConditionTrue
	builder.cndType = Ready
	builder.reason = ReasonStreaming
	return builder
}

func (builder *conditionsBuilder) NotReady() *conditionsBuilder {
	builder.status = v1.ConditionFalse
	builder.cndType = Ready
	return builder
}

func (builder *conditionsBuilder) Reason(r string) *conditionsBuilder {
	builder.reason = r
	return builder
}

func (builder *conditionsBuilder) Msg(msg string) *conditionsBuilder {
	builder.message = msg
	return builder
}
