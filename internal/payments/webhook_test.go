package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string, secret string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

const succeededPayload = `{
  "id": "evt_1",
  "object": "event",
  "type": "payment_intent.succeeded",
  "created": 1714000000,
  "livemode": false,
  "data": {
    "object": {
      "id": "pi_1",
      "object": "payment_intent",
      "amount": 150000,
      "amount_received": 150000,
      "currency": "usd",
      "payment_method_types": ["card"],
      "metadata": {"orderId": "O1", "payerId": "C1", "receiverId": "F1"}
    }
  }
}`

func TestWebhookVerifierParsesSucceededEvent(t *testing.T) {
	verifier := NewWebhookVerifier(testWebhookSecret, 0)
	header, body := signedPayload(t, succeededPayload, testWebhookSecret)

	event, err := verifier.Parse(body, header)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	succeeded, ok := event.(PaymentIntentSucceeded)
	if !ok {
		t.Fatalf("expected PaymentIntentSucceeded, got %T", event)
	}
	if succeeded.ID != "evt_1" || succeeded.IntentID != "pi_1" || succeeded.AmountMinor != 150000 {
		t.Fatalf("unexpected event %#v", succeeded)
	}
	if succeeded.Metadata[MetadataOrderID] != "O1" || succeeded.Metadata[MetadataPayerID] != "C1" || succeeded.Metadata[MetadataReceiverID] != "F1" {
		t.Fatalf("unexpected metadata %v", succeeded.Metadata)
	}
	if len(succeeded.MethodTypes) != 1 || succeeded.MethodTypes[0] != "card" {
		t.Fatalf("unexpected method types %v", succeeded.MethodTypes)
	}
}

func TestWebhookVerifierRejectsBadSignature(t *testing.T) {
	verifier := NewWebhookVerifier(testWebhookSecret, 0)
	header, body := signedPayload(t, succeededPayload, "whsec_other")

	if _, err := verifier.Parse(body, header); !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected signature verification failure, got %v", err)
	}
}

func TestWebhookVerifierRequiresSignature(t *testing.T) {
	verifier := NewWebhookVerifier(testWebhookSecret, 0)
	if _, err := verifier.Parse([]byte(succeededPayload), " "); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
}

func TestWebhookVerifierDisabledWithoutSecret(t *testing.T) {
	verifier := NewWebhookVerifier("", 0)
	if verifier.Enabled() {
		t.Fatalf("expected verifier to be disabled")
	}
	if _, err := verifier.Parse([]byte(succeededPayload), "t=1,v1=abc"); !errors.Is(err, ErrVerificationDisabled) {
		t.Fatalf("expected verification disabled, got %v", err)
	}
}

func TestWebhookVerifierDecodesUnknownAndFailedEvents(t *testing.T) {
	verifier := NewWebhookVerifier(testWebhookSecret, 0)

	header, body := signedPayload(t, `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`, testWebhookSecret)
	event, err := verifier.Parse(body, header)
	if err != nil {
		t.Fatalf("parse unknown: %v", err)
	}
	if unknown, ok := event.(UnknownEvent); !ok || unknown.Type != "customer.created" {
		t.Fatalf("expected UnknownEvent, got %#v", event)
	}

	header, body = signedPayload(t, `{"id":"evt_3","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","last_payment_error":{"code":"card_declined","message":"Your card was declined."},"metadata":{"orderId":"O1"}}}}`, testWebhookSecret)
	event, err = verifier.Parse(body, header)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	failed, ok := event.(PaymentIntentFailed)
	if !ok {
		t.Fatalf("expected PaymentIntentFailed, got %T", event)
	}
	if failed.FailureCode != "card_declined" || failed.Metadata[MetadataOrderID] != "O1" {
		t.Fatalf("unexpected failed event %#v", failed)
	}
}

func TestDecodeEventRejectsMissingIntentID(t *testing.T) {
	verifier := NewWebhookVerifier(testWebhookSecret, 0)
	header, body := signedPayload(t, `{"id":"evt_4","object":"event","type":"payment_intent.succeeded","data":{"object":{"amount":100}}}`, testWebhookSecret)
	if _, err := verifier.Parse(body, header); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
}
