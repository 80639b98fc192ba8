package router

import (
	"github.com/sells-group/cartrouter/internal/aggregator"
	"github.com/sells-group/cartrouter/internal/events"
	"github.com/sells-group/cartrouter/internal/model"
)

// AttemptEvents converts aggregator attempts into provider.attempt events.
func AttemptEvents(em *events.Emitter) func(string, aggregator.Attempt) {
	return func(requestID string, at aggregator.Attempt) {
		em.Emit(events.Event{
			Kind:       events.ProviderAttempt,
			RequestID:  requestID,
			ProviderID: at.ProviderID,
			OK:         at.OK,
			Code:       string(at.Code),
			Mode:       string(at.Mode),
			LatencyMs:  at.LatencyMs,
		})
	}
}

// TransitionEvents converts token state changes into token.transition events.
func TransitionEvents(em *events.Emitter) func(model.ConfirmationToken, model.TokenState) {
	return func(t model.ConfirmationToken, from model.TokenState) {
		em.Emit(events.Event{
			Kind:       events.TokenTransition,
			TokenID:    t.ID,
			ProviderID: t.Quote.ProviderID,
			From:       string(from),
			To:         string(t.State),
		})
	}
}

// OutcomeEvents converts applied outcomes into outcome.recorded events.
func OutcomeEvents(em *events.Emitter) func(model.OrderOutcome, model.ReliabilityScore) {
	return func(o model.OrderOutcome, _ model.ReliabilityScore) {
		em.Emit(events.Event{
			Kind:       events.OutcomeRecorded,
			ProviderID: o.ProviderID,
			OK:         o.Success,
		})
	}
}
