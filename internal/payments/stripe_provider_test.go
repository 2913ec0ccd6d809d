package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return f.intent, f.err
}

func TestStripeProviderCreateIntentBuildsParams(t *testing.T) {
	api := &fakeIntentAPI{intent: &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret_abc", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}}
	provider, err := NewStripeProvider(StripeProviderConfig{intents: api, AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	intent, err := provider.CreateIntent(context.Background(), IntentRequest{
		AmountMinor:    150000,
		Currency:       "USD",
		MethodTypes:    []string{"card"},
		Metadata:       map[string]string{MetadataOrderID: "O1", MetadataPayerID: "C1", MetadataReceiverID: "F1"},
		IdempotencyKey: "intent:O1:150000",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ClientSecret != "pi_123_secret_abc" || intent.Provider != ProviderStripe || intent.Mock {
		t.Fatalf("unexpected intent %#v", intent)
	}

	params := api.params
	if params == nil {
		t.Fatalf("expected params to be sent")
	}
	if params.Amount == nil || *params.Amount != 150000 {
		t.Fatalf("expected amount 150000, got %v", params.Amount)
	}
	if params.Currency == nil || *params.Currency != "usd" {
		t.Fatalf("expected lower-case currency, got %v", params.Currency)
	}
	if len(params.PaymentMethodTypes) != 1 || *params.PaymentMethodTypes[0] != "card" {
		t.Fatalf("expected card method type, got %v", params.PaymentMethodTypes)
	}
	if params.AutomaticPaymentMethods != nil {
		t.Fatalf("automatic payment methods must not be combined with explicit types")
	}
	if params.Metadata[MetadataOrderID] != "O1" || params.Metadata[MetadataReceiverID] != "F1" {
		t.Fatalf("expected correlation metadata, got %v", params.Metadata)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "intent:O1:150000" {
		t.Fatalf("expected idempotency key to be set")
	}
	if params.StripeAccount == nil || *params.StripeAccount != "acct_1" {
		t.Fatalf("expected connected account header")
	}
}

func TestStripeProviderUsesAutomaticMethodsWithoutTypes(t *testing.T) {
	api := &fakeIntentAPI{intent: &stripe.PaymentIntent{ID: "pi_1"}}
	provider, err := NewStripeProvider(StripeProviderConfig{intents: api})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateIntent(context.Background(), IntentRequest{AmountMinor: 100, Currency: "usd"}); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if api.params.AutomaticPaymentMethods == nil || !*api.params.AutomaticPaymentMethods.Enabled {
		t.Fatalf("expected automatic payment methods to be enabled")
	}
}

func TestStripeProviderWrapsStripeErrors(t *testing.T) {
	api := &fakeIntentAPI{err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeAmountTooSmall, Msg: "Amount must be at least 50 cents"}}
	provider, err := NewStripeProvider(StripeProviderConfig{intents: api})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.CreateIntent(context.Background(), IntentRequest{AmountMinor: 1, Currency: "usd"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Message != "Amount must be at least 50 cents" || providerErr.Code != string(stripe.ErrorCodeAmountTooSmall) {
		t.Fatalf("unexpected provider error %#v", providerErr)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestBreakerProviderOpensAfterFailures(t *testing.T) {
	failing := &fakeProvider{err: errors.New("connection reset")}
	var transitions []string
	breaker, err := NewBreakerProvider(failing, BreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		OnStateChange: func(_ string, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := breaker.CreateIntent(context.Background(), IntentRequest{AmountMinor: 1}); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	_, err = breaker.CreateIntent(context.Background(), IntentRequest{AmountMinor: 1})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if failing.calls != 2 {
		t.Fatalf("expected provider to be called twice, got %d", failing.calls)
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestBreakerProviderIgnoresCallerErrors(t *testing.T) {
	declined := &fakeProvider{err: &ProviderError{Provider: ProviderStripe, Message: "declined", Err: &stripe.Error{Type: stripe.ErrorTypeCard}}}
	breaker, err := NewBreakerProvider(declined, BreakerConfig{MinRequests: 1, FailureRatio: 0.1})
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := breaker.CreateIntent(context.Background(), IntentRequest{AmountMinor: 1})
		if errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("breaker must stay closed for card errors")
		}
	}
	if breaker.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
}
