package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	// ProviderMock is the registration key of the credential-less provider.
	ProviderMock = "mock"
	// MockPrefix marks every identifier and secret produced without a live processor.
	MockPrefix = "mock_"
)

// MockProvider issues synthetic intents when no processor credential is configured. Its secrets carry
// MockPrefix and can never be confirmed with a real processor.
type MockProvider struct {
	newID func() string
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider constructs the credential-less provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{newID: func() string {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}}
}

// CreateIntent returns a synthetic intent whose id and client secret start with MockPrefix.
func (p *MockProvider) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	if req.AmountMinor <= 0 {
		return Intent{}, errors.New("mock: amount must be positive")
	}
	id := MockPrefix + "pi_" + p.newID()
	return Intent{
		ID:           id,
		Provider:     ProviderMock,
		ClientSecret: id + "_secret_" + p.newID(),
		Status:       "requires_payment_method",
		Mock:         true,
	}, nil
}

// IsMock reports whether an intent id or client secret was produced by MockProvider.
func IsMock(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), MockPrefix)
}
