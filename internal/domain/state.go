package domain

import "fmt"

// Kind identifies the strategy a position belongs to.
type Kind string

const (
	KindWheel  Kind = "wheel"
	KindSpread Kind = "credit_spread"
)

func (k Kind) Valid() bool {
	return k == KindWheel || k == KindSpread
}

// State is a lifecycle state tag.
type State string

const (
	StatePendingEntry State = "PENDING_ENTRY"
	StateEntryFailed  State = "ENTRY_FAILED"
	StateInconsistent State = "INCONSISTENT"

	// wheel
	StateSellingPut       State = "SELLING_PUT"
	StateAssigned         State = "ASSIGNED"
	StateSellingCall      State = "SELLING_CALL"
	StateCalledAway       State = "CALLED_AWAY"
	StateExpiredWorthless State = "EXPIRED_WORTHLESS"
	StateClosedEarly      State = "CLOSED_EARLY"

	// credit spread
	StateOpen                    State = "OPEN"
	StateClosedProfitTarget      State = "CLOSED_PROFIT_TARGET"
	StateClosedExpirationManaged State = "CLOSED_EXPIRATION_MANAGED"
	StateExpired                 State = "EXPIRED"
	StateClosedStopLoss          State = "CLOSED_STOP_LOSS"
)

var graphs = map[Kind]map[State][]State{
	KindWheel: {
		StatePendingEntry: {StateSellingPut, StateEntryFailed, StateInconsistent},
		StateSellingPut:   {StateAssigned, StateExpiredWorthless, StateClosedEarly, StateInconsistent},
		StateAssigned:     {StateSellingCall, StateInconsistent},
		StateSellingCall:  {StateSellingCall, StateCalledAway, StateInconsistent},
	},
	KindSpread: {
		StatePendingEntry: {StateOpen, StateEntryFailed, StateInconsistent},
		StateOpen: {
			StateClosedProfitTarget,
			StateClosedExpirationManaged,
			StateExpired,
			StateClosedStopLoss,
			StateInconsistent,
		},
	},
}

var terminal = map[State]bool{
	StateEntryFailed:             true,
	StateCalledAway:              true,
	StateExpiredWorthless:        true,
	StateClosedEarly:             true,
	StateClosedProfitTarget:      true,
	StateClosedExpirationManaged: true,
	StateExpired:                 true,
	StateClosedStopLoss:          true,
}

// IsTerminal reports whether s closes a position.
func IsTerminal(s State) bool {
	return terminal[s]
}

// CanTransition reports whether the state graph of kind allows from -> to.
// An empty from means the position is being created.
func CanTransition(kind Kind, from, to State) bool {
	if from == "" {
		switch kind {
		case KindWheel:
			return to == StatePendingEntry || to == StateSellingPut || to == StateAssigned || to == StateSellingCall
		case KindSpread:
			return to == StatePendingEntry || to == StateOpen
		}
		return false
	}
	for _, next := range graphs[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error describing a disallowed edge.
func ValidateTransition(kind Kind, from, to State) error {
	if !CanTransition(kind, from, to) {
		return fmt.Errorf("transition %s -> %s not allowed for %s", from, to, kind)
	}
	return nil
}

// Automated reports whether the lifecycle engine may act on a position in s.
func Automated(s State) bool {
	return s != StateInconsistent && s != StatePendingEntry && !IsTerminal(s)
}
