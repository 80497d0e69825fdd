package sentryz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Envelope wire constants.
const (
	EnvelopeContentType = "application/x-sentry-envelope"
	itemContentType     = "application/json"
	platform            = "go"
	timestampLayout     = "2006-01-02T15:04:05.000000Z"
)

// Item types.
const (
	ItemEvent       = "event"
	ItemTransaction = "transaction"
	ItemAttachment  = "attachment"
)

// ErrUnknownPayload is returned for a Payload with no known kind.
var ErrUnknownPayload = errors.New("unknown payload kind")

// PayloadKind tags the variant held by a Payload.
type PayloadKind uint8

// Payload kinds.
const (
	PayloadEvent PayloadKind = iota + 1
	PayloadTransaction
)

// String returns the item type of the kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadEvent:
		return ItemEvent
	case PayloadTransaction:
		return ItemTransaction
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Payload is the only value the delivery queue carries: either an Event
// or a Transaction, selected by Kind.
type Payload struct {
	Event       *Event
	Transaction *Transaction
	Kind        PayloadKind
}

// EventPayload wraps an event.
func EventPayload(e *Event) Payload {
	return Payload{Kind: PayloadEvent, Event: e}
}

// TransactionPayload wraps a transaction.
func TransactionPayload(t *Transaction) Payload {
	return Payload{Kind: PayloadTransaction, Transaction: t}
}

// ID returns the event ID of the wrapped value.
func (p Payload) ID() string {
	switch {
	case p.Kind == PayloadEvent && p.Event != nil:
		return p.Event.EventID
	case p.Kind == PayloadTransaction && p.Transaction != nil:
		return p.Transaction.EventID
	default:
		return ""
	}
}

// EnvelopeMeta is the hub state the builder reads at send time.
type EnvelopeMeta struct {
	SentAt     time.Time
	GlobalTags map[Tag]string
	Logger     *zap.Logger
	DSN        string
	Release    string
	ServerName string
}

// EnvelopeHeader is the first line of an envelope.
type EnvelopeHeader struct {
	EventID string `json:"event_id"`
	SentAt  string `json:"sent_at"`
	DSN     string `json:"dsn,omitempty"`
}

// ItemHeader precedes each item payload. Length is in bytes.
type ItemHeader struct {
	Type        string `json:"type"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename,omitempty"`
	Length      int    `json:"length"`
}

// EnvelopeItem is one header/payload line pair.
type EnvelopeItem struct {
	Payload []byte
	Header  ItemHeader
}

// Envelope is a serialized payload ready to be encoded.
type Envelope struct {
	Items  []EnvelopeItem
	Header EnvelopeHeader
}

type sdkInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

var sdk = sdkInfo{Name: SDKName, Version: SDKVersion}

type messagePayload struct {
	Formatted string `json:"formatted"`
}

type exceptionPayload struct {
	Values []Exception `json:"values"`
}

//nolint:govet // Field order follows the wire payload.
type eventPayload struct {
	EventID    string            `json:"event_id"`
	Timestamp  string            `json:"timestamp"`
	Platform   string            `json:"platform"`
	ServerName string            `json:"server_name,omitempty"`
	Exception  *exceptionPayload `json:"exception,omitempty"`
	Message    *messagePayload   `json:"message,omitempty"`
	Level      Level             `json:"level,omitempty"`
	Release    string            `json:"release,omitempty"`
	Tags       map[Tag]string    `json:"tags,omitempty"`
	SDK        sdkInfo           `json:"sdk"`
}

type traceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Op           string `json:"op,omitempty"`
	Description  string `json:"description,omitempty"`
}

type transactionContexts struct {
	Trace traceContext `json:"trace"`
}

//nolint:govet // Field order follows the wire payload.
type spanPayload struct {
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	ParentSpanID   string         `json:"parent_span_id,omitempty"`
	Op             string         `json:"op,omitempty"`
	Description    string         `json:"description,omitempty"`
	Tags           map[Tag]string `json:"tags,omitempty"`
	StartTimestamp string         `json:"start_timestamp"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

//nolint:govet // Field order follows the wire payload.
type transactionPayload struct {
	Type           string              `json:"type"`
	EventID        string              `json:"event_id"`
	Transaction    string              `json:"transaction"`
	StartTimestamp string              `json:"start_timestamp"`
	Timestamp      string              `json:"timestamp,omitempty"`
	Platform       string              `json:"platform"`
	ServerName     string              `json:"server_name,omitempty"`
	Release        string              `json:"release,omitempty"`
	Tags           map[Tag]string      `json:"tags,omitempty"`
	Contexts       transactionContexts `json:"contexts"`
	Spans          []spanPayload       `json:"spans,omitempty"`
	SDK            sdkInfo             `json:"sdk"`
}

// BuildEnvelope serializes a payload into envelope items.
func BuildEnvelope(p Payload, meta EnvelopeMeta) (*Envelope, error) {
	if meta.Logger == nil {
		meta.Logger = zap.NewNop()
	}

	switch {
	case p.Kind == PayloadEvent && p.Event != nil:
		return buildEventEnvelope(p.Event, meta)
	case p.Kind == PayloadTransaction && p.Transaction != nil:
		return buildTransactionEnvelope(p.Transaction, meta)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, p.Kind)
	}
}

func buildEventEnvelope(e *Event, meta EnvelopeMeta) (*Envelope, error) {
	body := eventPayload{
		EventID:    e.EventID,
		Timestamp:  formatTimestamp(e.Timestamp),
		Platform:   platform,
		ServerName: meta.ServerName,
		Level:      e.Level,
		Release:    meta.Release,
		Tags:       mergeTags(meta.GlobalTags, e.Tags),
		SDK:        sdk,
	}
	if e.Message != "" {
		body.Message = &messagePayload{Formatted: e.Message}
	}
	if len(e.Exception) > 0 {
		body.Exception = &exceptionPayload{Values: e.Exception}
	}

	env := newEnvelope(e.EventID, meta)
	if err := env.addJSONItem(ItemHeader{Type: ItemEvent, ContentType: itemContentType}, body); err != nil {
		return nil, fmt.Errorf("event %s: %w", e.EventID, err)
	}

	for i, a := range e.Attachments {
		filename := a.Filename
		if filename == "" {
			filename = fmt.Sprintf("attachment-%d.json", i+1)
		}
		header := ItemHeader{Type: ItemAttachment, ContentType: itemContentType, Filename: filename}
		if err := env.addJSONItem(header, a.Payload); err != nil {
			return nil, fmt.Errorf("event %s attachment %q: %w", e.EventID, filename, err)
		}
	}
	return env, nil
}

func buildTransactionEnvelope(t *Transaction, meta EnvelopeMeta) (*Envelope, error) {
	root := t.Root
	body := transactionPayload{
		Type:           ItemTransaction,
		EventID:        t.EventID,
		Transaction:    t.Name,
		StartTimestamp: formatTimestamp(root.StartTimestamp),
		Timestamp:      formatTimestamp(root.Timestamp),
		Platform:       platform,
		ServerName:     meta.ServerName,
		Release:        meta.Release,
		Tags:           mergeTags(meta.GlobalTags, root.Tags),
		Contexts: transactionContexts{Trace: traceContext{
			TraceID:      t.TraceID,
			SpanID:       root.SpanID,
			ParentSpanID: root.ParentSpanID,
			Op:           root.Op,
			Description:  root.Description,
		}},
		SDK: sdk,
	}

	if len(t.Spans) > 0 {
		body.Spans = make([]spanPayload, 0, len(t.Spans))
	}
	for i := range t.Spans {
		s := &t.Spans[i]
		if !s.Finished() {
			meta.Logger.Debug("sending transaction with unfinished span",
				zap.String("transaction", t.Name),
				zap.String("span_id", s.SpanID),
				zap.String("op", s.Op),
			)
		}
		body.Spans = append(body.Spans, spanPayload{
			TraceID:        s.TraceID,
			SpanID:         s.SpanID,
			ParentSpanID:   s.ParentSpanID,
			Op:             s.Op,
			Description:    s.Description,
			Tags:           s.Tags,
			StartTimestamp: formatTimestamp(s.StartTimestamp),
			Timestamp:      formatTimestamp(s.Timestamp),
		})
	}

	env := newEnvelope(t.EventID, meta)
	if err := env.addJSONItem(ItemHeader{Type: ItemTransaction, ContentType: itemContentType}, body); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.EventID, err)
	}
	return env, nil
}

func newEnvelope(eventID string, meta EnvelopeMeta) *Envelope {
	return &Envelope{Header: EnvelopeHeader{
		EventID: eventID,
		SentAt:  formatTimestamp(meta.SentAt),
		DSN:     meta.DSN,
	}}
}

func (e *Envelope) addJSONItem(header ItemHeader, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header.Length = len(payload)
	e.Items = append(e.Items, EnvelopeItem{Header: header, Payload: payload})
	return nil
}

// Encode renders the envelope as newline-delimited JSON.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(e.Header); err != nil {
		return nil, fmt.Errorf("envelope header: %w", err)
	}
	for _, item := range e.Items {
		if err := enc.Encode(item.Header); err != nil {
			return nil, fmt.Errorf("item header: %w", err)
		}
		buf.Write(item.Payload)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Compress returns the gzip-compressed encoding of the envelope.
func (e *Envelope) Compress() ([]byte, error) {
	raw, err := e.Encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// mergeTags overlays local on global. Returns nil when both are empty.
func mergeTags(global, local map[Tag]string) map[Tag]string {
	if len(global) == 0 && len(local) == 0 {
		return nil
	}
	merged := make(map[Tag]string, len(global)+len(local))
	maps.Copy(merged, global)
	maps.Copy(merged, local)
	return merged
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}
