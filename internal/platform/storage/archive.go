package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

var (
	errInvalidBucket   = errors.New("storage: bucket name is required")
	errInvalidProvider = errors.New("storage: provider is required")
	errInvalidEventID  = errors.New("storage: event id is required")
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ArchiveRecord is one inbound webhook delivery to persist verbatim.
type ArchiveRecord struct {
	Provider   string
	EventID    string
	ReceivedAt time.Time
	Payload    []byte
}

// WebhookObjectPath returns webhooks/<provider>/<yyyy>/<mm>/<dd>/<eventId>.json using the UTC
// receive date. Segments are restricted to a safe character set.
func WebhookObjectPath(provider, eventID string, receivedAt time.Time) (string, error) {
	provider = sanitizeSegment(strings.ToLower(provider))
	if provider == "" {
		return "", errInvalidProvider
	}
	eventID = sanitizeSegment(eventID)
	if eventID == "" {
		return "", errInvalidEventID
	}
	day := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json", provider, day.Year(), int(day.Month()), day.Day(), eventID), nil
}

func sanitizeSegment(value string) string {
	return strings.Trim(unsafeSegment.ReplaceAllString(strings.TrimSpace(value), "_"), "._")
}

// objectWriterFactory opens a writer for bucket/object. Tests substitute an in-memory sink.
type objectWriterFactory func(ctx context.Context, bucket, object string) io.WriteCloser

// Archiver writes raw webhook payloads to a Cloud Storage bucket.
type Archiver struct {
	bucket string
	open   objectWriterFactory
}

// NewArchiver builds an Archiver over an existing storage client.
func NewArchiver(client *storage.Client, bucket string) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newArchiver(bucket, func(ctx context.Context, bucket, object string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = "application/json"
		w.Metadata = map[string]string{"source": "webhook"}
		return w
	})
}

func newArchiver(bucket string, open objectWriterFactory) (*Archiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &Archiver{bucket: bucket, open: open}, nil
}

// Archive stores the record and returns the object path. Redelivered events hit the
// DoesNotExist precondition, which is reported as success.
func (a *Archiver) Archive(ctx context.Context, record ArchiveRecord) (string, error) {
	object, err := WebhookObjectPath(record.Provider, record.EventID, record.ReceivedAt)
	if err != nil {
		return "", err
	}
	w := a.open(ctx, a.bucket, object)
	if _, err := w.Write(record.Payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return object, nil
		}
		return "", fmt.Errorf("storage: close %s: %w", object, err)
	}
	return object, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr interface{ HTTPCode() int }
	if errors.As(err, &apiErr) {
		return apiErr.HTTPCode() == 412
	}
	return strings.Contains(err.Error(), "conditionNotMet")
}
