// Package codec parses raw queue bodies into one of the three recognized
// message variants and extracts the canonical resource URL.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformedPayload is returned when a body cannot be parsed into any
// recognized variant, or a storage-event body fails its shape/prefix checks.
var ErrMalformedPayload = errors.New("codec: malformed payload")

// Variant identifies which shape produced a Parsed message.
type Variant string

const (
	VariantGeneric             Variant = "generic"
	VariantStorageEvent        Variant = "storage-event"
	VariantWrappedNotification Variant = "wrapped-notification"
)

// Parsed is the typed result of decoding a raw message body.
type Parsed struct {
	Variant Variant
	URL     string
	// raw carries the original record needed to rebuild a recycled copy of
	// this exact shape; see RecycledCopy.
	raw json.RawMessage
}

type genericBody struct {
	URL string `json:"url"`
}

type s3Object struct {
	Key string `json:"key"`
}

type s3Bucket struct {
	Name string `json:"name"`
}

type s3Detail struct {
	Bucket s3Bucket `json:"bucket"`
	Object s3Object `json:"object"`
}

type s3Record struct {
	EventName string   `json:"eventName"`
	S3        s3Detail `json:"s3"`
}

type storageEventBody struct {
	Records []s3Record `json:"Records"`
}

type wrappedNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

var bareURLPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// Codec parses raw bodies into Parsed messages according to a configured
// default variant, with a storage-event prefix filter.
type Codec struct {
	// EventNamePrefix filters accepted storage-event event names; default
	// "ObjectCreated".
	EventNamePrefix string
}

func New(eventNamePrefix string) *Codec {
	if eventNamePrefix == "" {
		eventNamePrefix = "ObjectCreated"
	}
	return &Codec{EventNamePrefix: eventNamePrefix}
}

// Decode parses body as the requested variant.
func (c *Codec) Decode(variant Variant, body string) (*Parsed, error) {
	switch variant {
	case VariantGeneric:
		return c.decodeGeneric(body)
	case VariantStorageEvent:
		return c.decodeStorageEvent([]byte(body))
	case VariantWrappedNotification:
		return c.decodeWrapped(body)
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrMalformedPayload, variant)
	}
}

func (c *Codec) decodeGeneric(body string) (*Parsed, error) {
	trimmed := strings.TrimSpace(body)
	if bareURLPattern.MatchString(trimmed) {
		return &Parsed{Variant: VariantGeneric, URL: trimmed, raw: json.RawMessage(trimmed)}, nil
	}
	var g genericBody
	if err := json.Unmarshal([]byte(body), &g); err != nil || g.URL == "" {
		return nil, fmt.Errorf("%w: generic: %v", ErrMalformedPayload, err)
	}
	raw, _ := json.Marshal(g)
	return &Parsed{Variant: VariantGeneric, URL: g.URL, raw: raw}, nil
}

func (c *Codec) decodeStorageEvent(raw []byte) (*Parsed, error) {
	var se storageEventBody
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, fmt.Errorf("%w: storage-event: %v", ErrMalformedPayload, err)
	}
	if len(se.Records) != 1 {
		return nil, fmt.Errorf("%w: storage-event: expected exactly one record, got %d", ErrMalformedPayload, len(se.Records))
	}
	rec := se.Records[0]
	if !strings.HasPrefix(rec.EventName, c.EventNamePrefix) {
		return nil, fmt.Errorf("%w: storage-event: event name %q does not match prefix %q", ErrMalformedPayload, rec.EventName, c.EventNamePrefix)
	}
	canonical := canonicalS3URL(rec.S3.Bucket.Name, rec.S3.Object.Key)
	return &Parsed{Variant: VariantStorageEvent, URL: canonical, raw: raw}, nil
}

func (c *Codec) decodeWrapped(body string) (*Parsed, error) {
	var w wrappedNotification
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("%w: wrapped-notification: %v", ErrMalformedPayload, err)
	}
	if w.Type != "Notification" || w.Message == "" {
		return nil, fmt.Errorf("%w: wrapped-notification: not a notification envelope", ErrMalformedPayload)
	}
	inner, err := c.decodeStorageEvent([]byte(w.Message))
	if err != nil {
		return nil, err
	}
	inner.Variant = VariantWrappedNotification
	wrapped, _ := json.Marshal(w)
	inner.raw = wrapped
	return inner, nil
}

// AlternateParse attempts, in order: bare scheme:// URL -> generic JSON ->
// storage-event JSON (prefix-gated). Returns nil, nil when nothing matches.
// The dispatch loop does not call it; it consults only the handler's
// AlternateParser before decoding with the configured variant.
func (c *Codec) AlternateParse(body string) (*Parsed, error) {
	trimmed := strings.TrimSpace(body)
	if bareURLPattern.MatchString(trimmed) {
		return &Parsed{Variant: VariantGeneric, URL: trimmed, raw: json.RawMessage(trimmed)}, nil
	}
	if p, err := c.decodeGeneric(body); err == nil {
		return p, nil
	}
	if p, err := c.decodeStorageEvent([]byte(body)); err == nil {
		return p, nil
	}
	return nil, nil
}

// Describe never throws: it returns the canonical URL, or a placeholder
// string when p is nil.
func Describe(p *Parsed) string {
	if p == nil {
		return "<unparsed message>"
	}
	if p.URL == "" {
		return fmt.Sprintf("<%s message with no canonical URL>", p.Variant)
	}
	return p.URL
}

// RecycledCopy re-serializes the already-parsed variant back to its own wire
// shape. The codec supplies a generic recycle constructor for all three
// variants, so a handler only needs its own constructor for domain-specific
// enrichment.
func RecycledCopy(p *Parsed) (string, error) {
	if p == nil || len(p.raw) == 0 {
		return "", fmt.Errorf("%w: no raw body to recycle", ErrMalformedPayload)
	}
	return string(p.raw), nil
}

// canonicalS3URL normalizes the storage notification's key encoding (S3
// notifications URL-encode keys using query-style "+"-for-space) into the
// canonical s3:// form's own URL-encoding.
func canonicalS3URL(bucket, key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Join(parts, "/"))
}
