// Package storage archives verified webhook payloads to Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ObjectWriter stores one immutable object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object string, body []byte, attrs ObjectAttrs) error
}

// ObjectAttrs are the object metadata written alongside the body.
type ObjectAttrs struct {
	ContentType string
	Metadata    map[string]string
}

// GCSWriter writes objects with a does-not-exist precondition, so redeliveries never overwrite the first copy.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter wraps an initialised Cloud Storage client.
func NewGCSWriter(client *gcs.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject uploads body. An existing object is treated as success.
func (g *GCSWriter) WriteObject(ctx context.Context, bucket, object string, body []byte, attrs ObjectAttrs) error {
	if g == nil || g.client == nil {
		return errors.New("storage writer: client is not initialised")
	}
	handle := g.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	w := handle.NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.Metadata = attrs.Metadata

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage writer: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("storage writer: close %s: %w", object, err)
	}
	return nil
}

// WebhookArchive stores raw webhook bodies for audit and replay.
type WebhookArchive struct {
	writer ObjectWriter
	bucket string
	now    func() time.Time
}

// NewWebhookArchive returns nil when bucket is empty, which disables archiving.
func NewWebhookArchive(writer ObjectWriter, bucket string, now func() time.Time) *WebhookArchive {
	bucket = strings.TrimSpace(bucket)
	if writer == nil || bucket == "" {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &WebhookArchive{writer: writer, bucket: bucket, now: now}
}

// Enabled reports whether payloads are archived.
func (a *WebhookArchive) Enabled() bool {
	return a != nil
}

// Archive writes payload and returns the gs:// URI of the stored object.
func (a *WebhookArchive) Archive(ctx context.Context, eventID, eventType string, payload []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	object, err := WebhookObjectPath(a.now(), eventID)
	if err != nil {
		return "", err
	}
	attrs := ObjectAttrs{
		ContentType: "application/json",
		Metadata: map[string]string{
			"eventId":   eventID,
			"eventType": eventType,
		},
	}
	if err := a.writer.WriteObject(ctx, a.bucket, object, payload, attrs); err != nil {
		return "", err
	}
	return "gs://" + a.bucket + "/" + object, nil
}
