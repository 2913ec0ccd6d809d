package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/tidwall/gjson"

	"github.com/skillbridge/api/internal/platform/textutil"
)

// Metadata keys attached to intents and read back from settlement events.
const (
	MetadataOrderID    = "orderId"
	MetadataPayerID    = "payerId"
	MetadataReceiverID = "receiverId"
)

const (
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"
)

// ErrMalformedEvent indicates a verified event whose object could not be decoded.
var ErrMalformedEvent = errors.New("payments: malformed event")

// Event is the closed set of webhook events the settlement flow understands. Exactly one concrete type
// exists per handled event kind; everything else decodes to UnknownEvent.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

// PaymentIntentSucceeded reports a captured charge.
type PaymentIntentSucceeded struct {
	ID          string
	IntentID    string
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
	MethodTypes []string
	Livemode    bool
	CreatedAt   time.Time
}

// PaymentIntentFailed reports a declined or errored charge attempt.
type PaymentIntentFailed struct {
	ID             string
	IntentID       string
	FailureCode    string
	FailureMessage string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// UnknownEvent is acknowledged and ignored.
type UnknownEvent struct {
	ID   string
	Type string
}

func (e PaymentIntentSucceeded) EventID() string   { return e.ID }
func (e PaymentIntentSucceeded) EventType() string { return eventPaymentIntentSucceeded }
func (PaymentIntentSucceeded) isEvent()            {}

func (e PaymentIntentFailed) EventID() string   { return e.ID }
func (e PaymentIntentFailed) EventType() string { return eventPaymentIntentFailed }
func (PaymentIntentFailed) isEvent()            {}

func (e UnknownEvent) EventID() string   { return e.ID }
func (e UnknownEvent) EventType() string { return e.Type }
func (UnknownEvent) isEvent()            {}

// DecodeEvent maps a verified Stripe event onto the Event union.
func DecodeEvent(evt stripe.Event) (Event, error) {
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", ErrMalformedEvent)
	}
	created := time.Unix(evt.Created, 0).UTC()

	switch string(evt.Type) {
	case eventPaymentIntentSucceeded:
		obj, err := eventObject(evt)
		if err != nil {
			return nil, err
		}
		intentID := obj.Get("id").String()
		if intentID == "" {
			return nil, fmt.Errorf("%w: payment intent id missing", ErrMalformedEvent)
		}
		amount := obj.Get("amount_received")
		if !amount.Exists() || amount.Int() == 0 {
			amount = obj.Get("amount")
		}
		return PaymentIntentSucceeded{
			ID:          evt.ID,
			IntentID:    intentID,
			AmountMinor: amount.Int(),
			Currency:    obj.Get("currency").String(),
			Metadata:    stringMap(obj.Get("metadata")),
			MethodTypes: stringSlice(obj.Get("payment_method_types")),
			Livemode:    evt.Livemode,
			CreatedAt:   created,
		}, nil
	case eventPaymentIntentFailed:
		obj, err := eventObject(evt)
		if err != nil {
			return nil, err
		}
		return PaymentIntentFailed{
			ID:             evt.ID,
			IntentID:       obj.Get("id").String(),
			FailureCode:    obj.Get("last_payment_error.code").String(),
			FailureMessage: obj.Get("last_payment_error.message").String(),
			Metadata:       stringMap(obj.Get("metadata")),
			CreatedAt:      created,
		}, nil
	default:
		return UnknownEvent{ID: evt.ID, Type: string(evt.Type)}, nil
	}
}

func eventObject(evt stripe.Event) (gjson.Result, error) {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return gjson.Result{}, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, evt.Type)
	}
	if !gjson.ValidBytes(evt.Data.Raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s data object is not valid json", ErrMalformedEvent, evt.Type)
	}
	return gjson.ParseBytes(evt.Data.Raw), nil
}

func stringMap(value gjson.Result) map[string]string {
	out := make(map[string]string)
	value.ForEach(func(key, val gjson.Result) bool {
		out[key.String()] = val.String()
		return true
	})
	return textutil.NormalizeStringMap(out)
}

func stringSlice(value gjson.Result) []string {
	items := value.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := item.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
