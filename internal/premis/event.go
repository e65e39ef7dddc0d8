package premis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// NoSubject is returned by Subject when no EXTERNAL_ID linking object exists.
const NoSubject = "no_subject_found"

// ExternalIDType marks the linking object that carries the event's subject.
const ExternalIDType = "EXTERNAL_ID"

var (
	// ErrMalformedBatch is returned when a request body is not a well-formed XML document.
	ErrMalformedBatch = errors.New("malformed event batch")

	// ErrMalformedEvent is returned when a single event lacks required elements
	// or carries an unparsable timestamp.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrSerialization is returned when the original bytes of an event cannot be
	// reconstituted as a string.
	ErrSerialization = errors.New("event serialization failed")
)

// Identifier is a PREMIS type/value pair.
type Identifier struct {
	Type  string
	Value string
}

// Event is one PREMIS event extracted from a batch.
// Parsed fields are used for routing and correlation only; the original
// serialized form is what gets forwarded.
type Event struct {
	// Identifier is the eventIdentifier. Optional.
	Identifier Identifier

	// Type is the dot-delimited event category, e.g. "FLOW.ARCHIVED".
	Type string

	// Timestamp is eventDateTime, normalised to UTC.
	Timestamp time.Time

	// Detail is the free-text eventDetail, empty when absent or when the
	// producer sent a structured eventDetailInformation block instead.
	Detail string

	// Outcome is eventOutcomeInformation/eventOutcome, e.g. "OK".
	Outcome string

	// LinkingAgent identifies the actor that caused the event.
	LinkingAgent Identifier

	// LinkingObjects are the linkingObjectIdentifier entries in document order.
	LinkingObjects []Identifier

	raw string
}

// Subject returns the value of the first EXTERNAL_ID linking object.
func (e *Event) Subject() string {
	for _, obj := range e.LinkingObjects {
		if obj.Type == ExternalIDType {
			return obj.Value
		}
	}
	return NoSubject
}

// XML returns the exact substring the event was parsed from.
func (e *Event) XML() string {
	return e.raw
}

// Parse maps one serialized <event> element onto an Event.
// Elements are matched by local name so both premis-v2 and premis/v3
// payloads are accepted regardless of the prefix in use.
func Parse(raw string) (*Event, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "event" {
		return nil, fmt.Errorf("%w: root element is not an event", ErrMalformedEvent)
	}

	evt := &Event{raw: raw}
	var err error

	if el, err := optionalChild(root, "eventIdentifier"); err != nil {
		return nil, err
	} else if el != nil {
		if evt.Identifier, err = identifier(el, "eventIdentifierType", "eventIdentifierValue"); err != nil {
			return nil, err
		}
	}

	if evt.Type, err = requiredText(root, "eventType"); err != nil {
		return nil, err
	}

	dateTime, err := requiredText(root, "eventDateTime")
	if err != nil {
		return nil, err
	}
	if evt.Timestamp, err = ParseTimestamp(dateTime); err != nil {
		return nil, err
	}

	// eventDetail may be missing, empty or superseded by eventDetailInformation.
	if el, err := optionalChild(root, "eventDetail"); err != nil {
		return nil, err
	} else if el != nil {
		evt.Detail = strings.TrimSpace(el.Text())
	}

	outcomeInfo, err := requiredChild(root, "eventOutcomeInformation")
	if err != nil {
		return nil, err
	}
	if evt.Outcome, err = requiredText(outcomeInfo, "eventOutcome"); err != nil {
		return nil, err
	}

	agent, err := requiredChild(root, "linkingAgentIdentifier")
	if err != nil {
		return nil, err
	}
	if evt.LinkingAgent, err = identifier(agent, "linkingAgentIdentifierType", "linkingAgentIdentifierValue"); err != nil {
		return nil, err
	}

	for _, el := range children(root, "linkingObjectIdentifier") {
		obj, err := identifier(el, "linkingObjectIdentifierType", "linkingObjectIdentifierValue")
		if err != nil {
			return nil, err
		}
		evt.LinkingObjects = append(evt.LinkingObjects, obj)
	}

	return evt, nil
}

// ParseTimestamp parses an RFC 3339 timestamp with optional fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid eventDateTime %q", ErrMalformedEvent, s)
	}
	return ts.UTC(), nil
}

func identifier(el *etree.Element, typeTag, valueTag string) (Identifier, error) {
	typ, err := requiredText(el, typeTag)
	if err != nil {
		return Identifier{}, err
	}
	// Values are allowed to be empty, but the element itself must be present.
	valueEl, err := requiredChild(el, valueTag)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Type: typ, Value: strings.TrimSpace(valueEl.Text())}, nil
}

// children returns the direct children of el with the given local name.
func children(el *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			out = append(out, child)
		}
	}
	return out
}

func optionalChild(el *etree.Element, local string) (*etree.Element, error) {
	found := children(el, local)
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: duplicate %s in %s", ErrMalformedEvent, local, el.Tag)
	}
}

func requiredChild(el *etree.Element, local string) (*etree.Element, error) {
	child, err := optionalChild(el, local)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("%w: missing %s in %s", ErrMalformedEvent, local, el.Tag)
	}
	return child, nil
}

func requiredText(el *etree.Element, local string) (string, error) {
	child, err := requiredChild(el, local)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(child.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty %s in %s", ErrMalformedEvent, local, el.Tag)
	}
	return text, nil
}
