package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe is the registration key of the Stripe adapter.
const ProviderStripe = "stripe"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger

	intents stripePaymentIntentAPI
}

// StripeProvider creates PaymentIntents through the Stripe API.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateIntent creates a PaymentIntent for the requested minor-unit amount.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.AmountMinor <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Intent{}, errors.New("stripe: currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if len(req.MethodTypes) > 0 {
		params.PaymentMethodTypes = stripe.StringSlice(req.MethodTypes)
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.intent.failed", map[string]any{
			"amount":   req.AmountMinor,
			"currency": currency,
			"error":    err.Error(),
		})
		return Intent{}, stripeProviderError(err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"intentId": intent.ID,
		"amount":   intent.Amount,
		"currency": string(intent.Currency),
		"orderId":  req.Metadata[MetadataOrderID],
	})

	return Intent{
		ID:           intent.ID,
		Provider:     ProviderStripe,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
	}, nil
}

func stripeProviderError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		message := strings.TrimSpace(stripeErr.Msg)
		if message == "" {
			message = string(stripeErr.Type)
		}
		return &ProviderError{
			Provider: ProviderStripe,
			Code:     string(stripeErr.Code),
			Message:  message,
			Err:      err,
		}
	}
	return &ProviderError{
		Provider: ProviderStripe,
		Message:  fmt.Sprintf("create payment intent: %v", err),
		Err:      err,
	}
}
