package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/skillbridge/api/internal/services"
)

func sampleNotification() services.Notification {
	return services.Notification{
		Type:           "order.status.changed",
		OrderID:        "ord_1",
		PreviousStatus: "pending",
		CurrentStatus:  "in_progress",
		ActorID:        "freelancer-1",
		Recipients:     []string{"client-1"},
		OccurredAt:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
		Metadata:       map[string]any{"role": "freelancer"},
	}
}

func TestPubSubSinkPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	sink, err := NewPubSubSink(topic)
	if err != nil {
		t.Fatalf("NewPubSubSink: %v", err)
	}
	if err := sink.Send(ctx, sampleNotification()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload Message
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.CurrentStatus != "in_progress" || payload.PreviousStatus != "pending" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if messages[0].Attributes["type"] != "order.status.changed" || messages[0].Attributes["orderId"] != "ord_1" {
		t.Fatalf("unexpected attributes %v", messages[0].Attributes)
	}
}

func TestNewPubSubSinkRequiresTopic(t *testing.T) {
	if _, err := NewPubSubSink(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var (
		gotAuth string
		gotType string
		got     Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("X-Notification-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookOptions{URL: srv.URL, AuthToken: "secret-token"})
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}
	if err := sink.Send(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotType != "order.status.changed" || got.OrderID != "ord_1" {
		t.Fatalf("unexpected delivery type=%q body=%#v", gotType, got)
	}
}

func TestWebhookSinkReportsErrorStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookOptions{URL: srv.URL, RetryCount: 1})
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}
	if err := sink.Send(context.Background(), sampleNotification()); err == nil {
		t.Fatal("expected error for 503 response")
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
}

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []services.Notification
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, event services.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("down")}
	ok := &recordingSink{name: "ok"}
	d := NewDispatcher(DispatcherOptions{Workers: 1}, failing, nil, ok)

	for i := 0; i < 3; i++ {
		if err := d.Notify(context.Background(), sampleNotification()); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if failing.count() != 3 || ok.count() != 3 {
		t.Fatalf("expected every sink to see 3 events, got failing=%d ok=%d", failing.count(), ok.count())
	}
	if err := d.Notify(context.Background(), sampleNotification()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Send(ctx context.Context, _ services.Notification) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(DispatcherOptions{Workers: 1, QueueSize: 1}, sink)

	var full bool
	for i := 0; i < 5; i++ {
		if err := d.Notify(context.Background(), sampleNotification()); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	close(sink.release)
	_ = d.Close(context.Background())
	if !full {
		t.Fatal("expected ErrQueueFull once the queue and worker were busy")
	}
}

func TestDispatcherWithoutSinksIsNoop(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{})
	if err := d.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
