package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viaacode/mh-events2pulsar/internal/premis"
)

// RoutingKeyPrefix is prepended to the lower-cased event type.
const RoutingKeyPrefix = "be.mediahaven."

// Property keys and fixed values carried on every message.
const (
	PropType          = "type"
	PropSource        = "source"
	PropSubject       = "subject"
	PropOutcome       = "outcome"
	PropCorrelationID = "correlation_id"
	PropSpecVersion   = "specversion"
	PropContentType   = "content_type"

	TypeStructured  = "structured"
	Source          = "mh-events2pulsar"
	OutcomeOK       = "OK"
	SpecVersion     = "1.0"
	ContentType     = "application/cloudevents+json; charset=utf-8"
	DataContentType = "application/json"
)

// Format selects the payload wire format.
type Format string

const (
	// FormatCloudEvents wraps the raw XML in a JSON document that repeats the
	// message properties. This is the default.
	FormatCloudEvents Format = "cloudevents"

	// FormatXML sends the raw XML bytes as the payload.
	FormatXML Format = "xml"
)

// ParseFormat validates a configured format name. An empty name selects FormatCloudEvents.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCloudEvents:
		return FormatCloudEvents, nil
	case FormatXML:
		return FormatXML, nil
	default:
		return "", fmt.Errorf("unknown envelope format %q (must be cloudevents or xml)", s)
	}
}

// Envelope is a broker-ready message built from one event.
type Envelope struct {
	RoutingKey string
	Payload    []byte
	Properties map[string]string
	EventTime  time.Time
}

// EventTimeMillis returns the event time in milliseconds since the Unix epoch.
func (e *Envelope) EventTimeMillis() int64 {
	return e.EventTime.UnixMilli()
}

// CorrelationID returns the correlation id property.
func (e *Envelope) CorrelationID() string {
	return e.Properties[PropCorrelationID]
}

// RoutingKey derives the topic name for an event type.
func RoutingKey(eventType string) string {
	return RoutingKeyPrefix + strings.ToLower(eventType)
}

// NewCorrelationID returns a random UUIDv4 as 32 lowercase hex characters.
func NewCorrelationID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Builder turns events into envelopes.
type Builder struct {
	format Format
	newID  func() string
}

func NewBuilder(format Format) *Builder {
	if format == "" {
		format = FormatCloudEvents
	}
	return &Builder{format: format, newID: NewCorrelationID}
}

// Format reports the payload format the builder produces.
func (b *Builder) Format() Format {
	return b.format
}

// Build derives the envelope for evt. Every call draws a new correlation id.
func (b *Builder) Build(evt *premis.Event) (*Envelope, error) {
	props := map[string]string{
		PropType:          TypeStructured,
		PropSource:        Source,
		PropSubject:       evt.Subject(),
		PropOutcome:       OutcomeOK,
		PropCorrelationID: b.newID(),
		PropSpecVersion:   SpecVersion,
		PropContentType:   ContentType,
	}

	env := &Envelope{
		RoutingKey: RoutingKey(evt.Type),
		Properties: props,
		EventTime:  evt.Timestamp,
	}

	switch b.format {
	case FormatXML:
		env.Payload = []byte(evt.XML())
	default:
		payload, err := cloudEventPayload(evt.XML(), props)
		if err != nil {
			return nil, err
		}
		env.Payload = payload
	}

	return env, nil
}

// cloudEventPayload renders the JSON payload. Keys come out sorted because the
// document is a map, and HTML escaping is off so the XML stays readable.
func cloudEventPayload(xml string, props map[string]string) ([]byte, error) {
	doc := map[string]interface{}{
		"datacontenttype": DataContentType,
		"data": map[string]string{
			"premis": xml,
		},
	}
	for k, v := range props {
		doc[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", premis.ErrSerialization, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
