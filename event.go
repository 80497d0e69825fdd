package sentryz

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a single error or message report.
// Built on the calling goroutine and never modified after enqueue.
//
//nolint:govet // Field order follows the wire payload.
type Event struct {
	Tags        map[Tag]string
	Attachments []Attachment
	Exception   []Exception
	Timestamp   time.Time
	EventID     string
	Level       Level
	Message     string
}

// Attachment is an arbitrary JSON-serializable value sent as its own
// envelope item after the event.
type Attachment struct {
	Payload  any
	Filename string
}

// EventOption customizes an event before it is enqueued.
type EventOption func(*Event)

// WithEventTags adds event-specific tags. They win over global tags.
func WithEventTags(tags map[Tag]string) EventOption {
	return func(e *Event) {
		if len(tags) == 0 {
			return
		}
		if e.Tags == nil {
			e.Tags = make(map[Tag]string, len(tags))
		}
		maps.Copy(e.Tags, tags)
	}
}

// WithAttachments appends attachments in order. Payloads are encoded when
// the event is captured; later changes to them are not sent.
func WithAttachments(attachments ...Attachment) EventOption {
	return func(e *Event) {
		e.Attachments = append(e.Attachments, attachments...)
	}
}

// WithLevel overrides the event level.
func WithLevel(level Level) EventOption {
	return func(e *Event) {
		e.Level = level
	}
}

// newEventID returns a 32 character hex uuid.
func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// clone returns a copy that shares nothing mutable with e.
func (e *Event) clone() *Event {
	c := *e
	c.Tags = maps.Clone(e.Tags)
	if e.Attachments != nil {
		c.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	if e.Exception != nil {
		c.Exception = make([]Exception, len(e.Exception))
		for i, exc := range e.Exception {
			c.Exception[i] = exc.clone()
		}
	}
	return &c
}

// freezeAttachments replaces attachment payloads with their JSON encoding.
// Payloads that cannot be encoded are kept and fail the envelope build.
func (e *Event) freezeAttachments() {
	for i, a := range e.Attachments {
		if _, ok := a.Payload.(json.RawMessage); ok {
			continue
		}
		if raw, err := json.Marshal(a.Payload); err == nil {
			e.Attachments[i].Payload = json.RawMessage(raw)
		}
	}
}
