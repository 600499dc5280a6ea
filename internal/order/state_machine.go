package order

import "github.com/alanyoungcy/otcsettle/internal/domain"

// ValidTransitions is the order state graph callers can drive. A disputed
// order leaves Disputed only through its case.
var ValidTransitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderCreated:         {domain.OrderAccepted, domain.OrderCancelled, domain.OrderExpired},
	domain.OrderAccepted:        {domain.OrderPaymentAttested, domain.OrderDisputed, domain.OrderRefunded},
	domain.OrderPaymentAttested: {domain.OrderReleased, domain.OrderDisputed},
	domain.OrderDisputed:        {domain.OrderReleased, domain.OrderRefunded},
}

// WithdrawTransitions are the edges back out of Disputed taken when a case
// is withdrawn within the deadline.
var WithdrawTransitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderDisputed: {domain.OrderAccepted, domain.OrderPaymentAttested},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to domain.OrderState) bool {
	return hasEdge(ValidTransitions, from, to)
}

// CanRevert reports whether a withdrawn case may return a disputed order
// to state to.
func CanRevert(from, to domain.OrderState) bool {
	return hasEdge(WithdrawTransitions, from, to)
}

func hasEdge(graph map[domain.OrderState][]domain.OrderState, from, to domain.OrderState) bool {
	for _, s := range graph[from] {
		if s == to {
			return true
		}
	}
	return false
}
