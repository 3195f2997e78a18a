// Package router maps a classified intent to the node that handles it.
package router

import (
	"log/slog"

	"github.com/ashureev/cx-router/internal/domain"
)

// Route names a handling node. It is also recorded as the assigned specialist.
type Route string

// Routes.
const (
	General   Route = "general"
	Refund    Route = "refund_specialist"
	Technical Route = "technical_specialist"
	Escalate  Route = "escalate"
)

// ConfidenceThreshold is the minimum confidence for leaving the general route.
const ConfidenceThreshold = 0.6

// Decide picks the route for a classified message. Low confidence always
// routes to General, even for escalation requests.
func Decide(intent domain.Intent, confidence float64) Route {
	if confidence < ConfidenceThreshold {
		slog.Info("[router] Low confidence, routing to general", "confidence", confidence)
		return General
	}

	var route Route
	switch intent {
	case domain.IntentEscalate:
		route = Escalate
	case domain.IntentRefund:
		route = Refund
	case domain.IntentTechnical:
		route = Technical
	default:
		route = General
	}
	slog.Info("[router] Routing", "route", route, "confidence", confidence)
	return route
}
