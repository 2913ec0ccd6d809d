package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader carries the processor signature over the raw webhook body.
const SignatureHeader = "Stripe-Signature"

const defaultWebhookTolerance = 5 * time.Minute

var (
	// ErrMissingSignature indicates the signature header was absent.
	ErrMissingSignature = errors.New("payments: webhook signature missing")
	// ErrSignatureVerification indicates the signature did not match the payload.
	ErrSignatureVerification = errors.New("payments: webhook signature verification failed")
	// ErrVerificationDisabled indicates no signing secret is configured.
	ErrVerificationDisabled = errors.New("payments: webhook verification disabled")
)

// WebhookVerifier authenticates inbound processor events.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier constructs a verifier. An empty secret yields a verifier reporting Enabled() == false.
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	return &WebhookVerifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Enabled reports whether a signing secret is configured.
func (v *WebhookVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Parse verifies the signature over payload and decodes the event.
func (v *WebhookVerifier) Parse(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}
	if !v.Enabled() {
		return nil, ErrVerificationDisabled
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	return DecodeEvent(evt)
}
