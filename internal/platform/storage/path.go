package storage

import (
	"fmt"
	"strings"
	"time"
)

// WebhookObjectPath places a payload under webhooks/<yyyy>/<mm>/<dd>/<event id>.json using the UTC receive date.
func WebhookObjectPath(receivedAt time.Time, eventID string) (string, error) {
	id, err := validateSegment("eventID", eventID)
	if err != nil {
		return "", err
	}
	if receivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	day := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%04d/%02d/%02d/%s.json", day.Year(), int(day.Month()), day.Day(), id), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
