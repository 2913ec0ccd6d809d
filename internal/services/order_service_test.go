package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/repositories/memory"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Notification
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

type captureTransitions struct {
	outcomes []string
}

func (c *captureTransitions) RecordTransition(from, to, outcome string) {
	c.outcomes = append(c.outcomes, from+"->"+to+":"+outcome)
}

type captureLog struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLog) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLog) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestOrderService(t *testing.T, store *memory.Store, now time.Time, opts ...func(*OrderServiceDeps)) OrderService {
	t.Helper()
	seq := 0
	deps := OrderServiceDeps{
		Orders:     store.Orders(),
		UnitOfWork: store,
		Clock:      func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return "TEST" + string(rune('0'+seq))
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestOrderServiceCreateAndProgress(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	notifier := &captureNotifier{}
	metrics := &captureTransitions{}
	svc := newTestOrderService(t, store, now, func(d *OrderServiceDeps) {
		d.Notifier = notifier
		d.Metrics = metrics
	})

	order, err := svc.CreateOrder(ctx, CreateOrderCommand{
		ServiceID:    "S1",
		ClientID:     "C1",
		FreelancerID: "F1",
		Amount:       decimal.NewFromInt(1500),
		Requirements: "Logo in <b>blue</b>",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord_TEST1" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.OrderPaymentUnpaid {
		t.Fatalf("expected pending/unpaid, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Requirements != "Logo in blue" {
		t.Fatalf("expected sanitised requirements, got %q", order.Requirements)
	}
	if !order.DeliveryDate.Equal(now.AddDate(0, 0, 7)) {
		t.Fatalf("expected default delivery date, got %s", order.DeliveryDate)
	}

	updated, err := svc.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   order.ID,
		NewStatus: "in_progress",
		ActorID:   "F1",
		ActorRole: "freelancer",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.OrderStatusInProgress || updated.Version != 2 {
		t.Fatalf("unexpected order after transition %#v", updated)
	}

	_, err = svc.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   order.ID,
		NewStatus: "completed",
		ActorID:   "C1",
		ActorRole: "client",
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error for client completing, got %v", err)
	}

	stored, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.OrderStatusInProgress {
		t.Fatalf("rejected transition must not change status, got %s", stored.Status)
	}

	if len(notifier.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifier.events))
	}
	changed := notifier.events[1]
	if changed.Type != orderEventStatusChanged || changed.PreviousStatus != "pending" || changed.CurrentStatus != "in_progress" {
		t.Fatalf("unexpected notification %#v", changed)
	}
	if len(changed.Recipients) != 1 || changed.Recipients[0] != "C1" {
		t.Fatalf("expected client to be notified, got %v", changed.Recipients)
	}
	if len(metrics.outcomes) != 2 || metrics.outcomes[0] != "pending->in_progress:applied" || metrics.outcomes[1] != "in_progress->completed:rejected" {
		t.Fatalf("unexpected transition metrics %v", metrics.outcomes)
	}
}

func TestOrderServiceRejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	svc := newTestOrderService(t, store, now)

	order, err := svc.CreateOrder(ctx, CreateOrderCommand{
		ServiceID:    "S1",
		ClientID:     "C1",
		FreelancerID: "F1",
		Amount:       decimal.RequireFromString("99.50"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	cases := []struct {
		name   string
		status string
		actor  string
		role   string
		want   error
	}{
		{name: "skip to completed", status: "completed", actor: "F1", role: "freelancer", want: ErrInvalidTransition},
		{name: "pending to disputed", status: "disputed", actor: "C1", role: "client", want: ErrInvalidTransition},
		{name: "same status", status: "pending", actor: "F1", role: "freelancer", want: ErrInvalidTransition},
		{name: "client starts work", status: "in_progress", actor: "C1", role: "client", want: ErrPermission},
		{name: "outsider claims freelancer", status: "in_progress", actor: "X9", role: "freelancer", want: ErrPermission},
		{name: "unknown status", status: "shipped", actor: "F1", role: "freelancer", want: ErrValidation},
		{name: "unknown role", status: "in_progress", actor: "F1", role: "admin", want: ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.UpdateStatus(ctx, UpdateStatusCommand{
				OrderID:   order.ID,
				NewStatus: tc.status,
				ActorID:   tc.actor,
				ActorRole: tc.role,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			stored, err := svc.GetOrder(ctx, order.ID)
			if err != nil {
				t.Fatalf("get order: %v", err)
			}
			if stored.Status != domain.OrderStatusPending || stored.Version != 1 {
				t.Fatalf("order mutated by rejected transition: %#v", stored)
			}
		})
	}
}

func TestOrderServiceTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	svc := newTestOrderService(t, store, now)

	order, err := svc.CreateOrder(ctx, CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, UpdateStatusCommand{OrderID: order.ID, NewStatus: "cancelled", ActorID: "C1", ActorRole: "client"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, status := range []string{"pending", "in_progress", "completed", "disputed"} {
		_, err := svc.UpdateStatus(ctx, UpdateStatusCommand{OrderID: order.ID, NewStatus: status, ActorID: "F1", ActorRole: "freelancer"})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected cancelled order to reject %s, got %v", status, err)
		}
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := newTestOrderService(t, memory.NewStore(), now)
	past := now.Add(-time.Hour)

	cases := []struct {
		name  string
		cmd   CreateOrderCommand
		field string
	}{
		{name: "missing service", cmd: CreateOrderCommand{ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(1)}, field: "serviceId"},
		{name: "zero amount", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1"}, field: "amount"},
		{name: "negative amount", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(-5)}, field: "amount"},
		{name: "sub-cent amount", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.RequireFromString("10.005")}, field: "amount"},
		{name: "amount below one cent", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.RequireFromString("0.001")}, field: "amount"},
		{name: "self order", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "C1", Amount: decimal.NewFromInt(1)}, field: "freelancerId"},
		{name: "past delivery", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(1), DeliveryDate: &past}, field: "deliveryDate"},
		{name: "delivery days too large", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(1), DeliveryDays: 400}, field: "deliveryDays"},
		{name: "requirements too long", cmd: CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(1), Requirements: strings.Repeat("a", 5001)}, field: "requirements"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateOrder(ctx, tc.cmd)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := validation.Fields[tc.field]; !ok {
				t.Fatalf("expected field %s in %v", tc.field, validation.Fields)
			}
		})
	}
}

func TestOrderServiceListOrders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	svc := newTestOrderService(t, store, now)

	for _, freelancer := range []string{"F1", "F2"} {
		if _, err := svc.CreateOrder(ctx, CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: freelancer, Amount: decimal.NewFromInt(20)}); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	orders, err := svc.ListOrders(ctx, ListOrdersFilter{UserID: "C1", Role: "client"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}

	none, err := svc.ListOrders(ctx, ListOrdersFilter{UserID: "F3", Role: "freelancer"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", none)
	}

	if _, err := svc.ListOrders(ctx, ListOrdersFilter{UserID: "C1", Role: "client", Status: "lost"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestOrderServiceGetOrderNotFound(t *testing.T) {
	svc := newTestOrderService(t, memory.NewStore(), time.Now())
	if _, err := svc.GetOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceNotifierFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	logs := &captureLog{}
	svc := newTestOrderService(t, memory.NewStore(), time.Now(), func(d *OrderServiceDeps) {
		d.Notifier = &captureNotifier{err: errors.New("broker down")}
		d.Logger = logs.log
	})

	if _, err := svc.CreateOrder(ctx, CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("create order must succeed when notifier fails: %v", err)
	}
	if !logs.has("order.notification.failed") {
		t.Fatalf("expected notification failure to be logged, got %v", logs.events)
	}
}

func TestOrderServiceAcceptsTrailingZeroScale(t *testing.T) {
	svc := newTestOrderService(t, memory.NewStore(), time.Now())

	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.RequireFromString("10.500")})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.Amount.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected amount %s", order.Amount)
	}
}

func TestOrderServiceRequirementsStayEscaped(t *testing.T) {
	svc := newTestOrderService(t, memory.NewStore(), time.Now())

	cases := map[string]string{
		"entity encoded script": "&lt;script&gt;alert(1)&lt;/script&gt;",
		"double encoded":        "&amp;lt;img src=x onerror=alert(1)&amp;gt;",
		"raw script":            "<script>alert(1)</script>brief",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(5), Requirements: input})
			if err != nil {
				t.Fatalf("create order: %v", err)
			}
			if strings.ContainsAny(order.Requirements, "<>") {
				t.Fatalf("requirements contain live markup: %q", order.Requirements)
			}
		})
	}
}

func TestOrderServiceConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	svc := newTestOrderService(t, store, now)

	order, err := svc.CreateOrder(ctx, CreateOrderCommand{ServiceID: "S1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	commands := []UpdateStatusCommand{
		{OrderID: order.ID, NewStatus: "in_progress", ActorID: "F1", ActorRole: "freelancer"},
		{OrderID: order.ID, NewStatus: "cancelled", ActorID: "C1", ActorRole: "client"},
	}
	start := make(chan struct{})
	errs := make(chan error, len(commands))
	var wg sync.WaitGroup
	for _, cmd := range commands {
		wg.Add(1)
		go func(cmd UpdateStatusCommand) {
			defer wg.Done()
			<-start
			_, err := svc.UpdateStatus(ctx, cmd)
			errs <- err
		}(cmd)
	}
	close(start)
	wg.Wait()
	close(errs)

	var applied int
	for err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one transition to apply, got %d", applied)
	}

	stored, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Version != order.Version+1 {
		t.Fatalf("expected version %d, got %d", order.Version+1, stored.Version)
	}
	if stored.Status != domain.OrderStatusInProgress && stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected status %s", stored.Status)
	}
}
