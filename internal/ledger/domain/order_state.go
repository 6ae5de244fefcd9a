package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusRunning: {
		OrderStatusStopped,
		OrderStatusChanging,
		OrderStatusSuspend,
		OrderStatusError,
	},
	OrderStatusStopped: {
		OrderStatusRunning,
		OrderStatusStoppedIn30Days,
	},
	OrderStatusChanging: {
		OrderStatusRunning,
		OrderStatusStopped,
		OrderStatusError,
	},
	OrderStatusSuspend: {
		OrderStatusRunning,
	},
	OrderStatusStoppedIn30Days: {
		OrderStatusRunning,
	},
	// error leaves only through FixOrder or deletion.
	OrderStatusError: {},
}

// CanTransition reports whether an order may move from one status to another.
// Every non-terminal status may be deleted; deleted is terminal.
func CanTransition(from, to OrderStatus) bool {
	if from == OrderStatusDeleted {
		return false
	}
	if to == OrderStatusDeleted {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies a status change to a copy of the order.
func Transition(order Order, to OrderStatus) (Order, error) {
	if !CanTransition(order.Status, to) {
		return order, fmt.Errorf("%w: %s -> %s", ErrInvalidOrderTransition, order.Status, to)
	}
	order.Status = to
	if to == OrderStatusDeleted {
		order.UnitPrice = decimal.Zero
	}
	return order, nil
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s OrderStatus) bool {
	if s == OrderStatusDeleted {
		return true
	}
	_, ok := orderTransitions[s]
	return ok
}

// ActiveStatuses lists every status that still accrues charges.
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusRunning,
		OrderStatusStopped,
		OrderStatusStoppedIn30Days,
		OrderStatusSuspend,
		OrderStatusChanging,
		OrderStatusError,
	}
}
