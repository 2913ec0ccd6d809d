package services

import (
	"errors"
	"slices"
	"testing"

	domain "github.com/skillbridge/api/internal/domain"
)

func TestCheckTransitionTable(t *testing.T) {
	base := domain.Order{ID: "O1", ClientID: "C1", FreelancerID: "F1"}

	cases := []struct {
		from  domain.OrderStatus
		to    domain.OrderStatus
		actor string
		role  domain.Role
		want  error
	}{
		{domain.OrderStatusPending, domain.OrderStatusInProgress, "F1", domain.RoleFreelancer, nil},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, "F1", domain.RoleFreelancer, nil},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, "C1", domain.RoleClient, nil},
		{domain.OrderStatusInProgress, domain.OrderStatusCompleted, "F1", domain.RoleFreelancer, nil},
		{domain.OrderStatusCompleted, domain.OrderStatusDisputed, "C1", domain.RoleClient, nil},
		{domain.OrderStatusPending, domain.OrderStatusInProgress, "C1", domain.RoleClient, ErrPermission},
		{domain.OrderStatusCompleted, domain.OrderStatusDisputed, "F1", domain.RoleFreelancer, ErrPermission},
		{domain.OrderStatusCompleted, domain.OrderStatusDisputed, "C2", domain.RoleClient, ErrPermission},
		{domain.OrderStatusInProgress, domain.OrderStatusCancelled, "C1", domain.RoleClient, ErrInvalidTransition},
		{domain.OrderStatusCompleted, domain.OrderStatusInProgress, "F1", domain.RoleFreelancer, ErrInvalidTransition},
		{domain.OrderStatusDisputed, domain.OrderStatusCompleted, "F1", domain.RoleFreelancer, ErrInvalidTransition},
		{domain.OrderStatusCancelled, domain.OrderStatusPending, "C1", domain.RoleClient, ErrInvalidTransition},
	}

	for _, tc := range cases {
		order := base
		order.Status = tc.from
		err := CheckTransition(order, tc.to, tc.actor, tc.role)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s->%s by %s: unexpected error %v", tc.from, tc.to, tc.role, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s->%s by %s: expected %v, got %v", tc.from, tc.to, tc.role, tc.want, err)
		}
	}
}

func TestAllowedTransitions(t *testing.T) {
	got := AllowedTransitions(domain.OrderStatusPending, domain.RoleFreelancer)
	if !slices.Equal(got, []domain.OrderStatus{domain.OrderStatusInProgress, domain.OrderStatusCancelled}) {
		t.Fatalf("unexpected freelancer transitions %v", got)
	}
	if got := AllowedTransitions(domain.OrderStatusPending, domain.RoleClient); !slices.Equal(got, []domain.OrderStatus{domain.OrderStatusCancelled}) {
		t.Fatalf("unexpected client transitions %v", got)
	}
	for _, status := range []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusDisputed} {
		if !IsTerminalStatus(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	if IsTerminalStatus(domain.OrderStatusCompleted) {
		t.Fatalf("completed can still be disputed")
	}
}
