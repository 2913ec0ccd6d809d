package services

import (
	"slices"

	domain "github.com/skillbridge/api/internal/domain"
)

type lifecycleEdge struct {
	from domain.OrderStatus
	to   domain.OrderStatus
}

// orderTransitions is the complete set of legal fulfillment moves and the roles allowed to make them.
// Terminal statuses (cancelled, disputed) have no outgoing edges.
var orderTransitions = map[lifecycleEdge][]domain.Role{
	{domain.OrderStatusPending, domain.OrderStatusInProgress}:   {domain.RoleFreelancer},
	{domain.OrderStatusPending, domain.OrderStatusCancelled}:    {domain.RoleFreelancer, domain.RoleClient},
	{domain.OrderStatusInProgress, domain.OrderStatusCompleted}: {domain.RoleFreelancer},
	{domain.OrderStatusCompleted, domain.OrderStatusDisputed}:   {domain.RoleClient},
}

// CheckTransition validates that actorID, acting as role, may move order to the target status.
// Unknown edges yield a *TransitionError; known edges refused to the role or actor yield a *PermissionError.
func CheckTransition(order domain.Order, to domain.OrderStatus, actorID string, role domain.Role) error {
	roles, ok := orderTransitions[lifecycleEdge{from: order.Status, to: to}]
	if !ok {
		return &TransitionError{From: string(order.Status), To: string(to), Role: string(role)}
	}
	if !slices.Contains(roles, role) {
		return &PermissionError{
			ActorID: actorID,
			Reason:  "role " + string(role) + " cannot move order from " + string(order.Status) + " to " + string(to),
		}
	}
	if actorID == "" || order.ParticipantID(role) != actorID {
		return &PermissionError{
			ActorID: actorID,
			Reason:  "actor is not the " + string(role) + " on this order",
		}
	}
	return nil
}

// AllowedTransitions lists the statuses reachable from the current status by the given role.
func AllowedTransitions(from domain.OrderStatus, role domain.Role) []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, 2)
	for _, to := range domain.OrderStatuses {
		roles, ok := orderTransitions[lifecycleEdge{from: from, to: to}]
		if ok && slices.Contains(roles, role) {
			out = append(out, to)
		}
	}
	return out
}

// IsTerminalStatus reports whether no transition leaves the status.
func IsTerminalStatus(status domain.OrderStatus) bool {
	for edge := range orderTransitions {
		if edge.from == status {
			return false
		}
	}
	return true
}
