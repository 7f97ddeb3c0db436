// Package protocol implements the Protocol v1 engine: parsing sprite-emitted
// events off stdout, reconciling them against the durable outbox, and
// writing resume files for paused runs.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/lattice-run/lattice/pkg/models"
)

// Prefix is the exact line prefix that marks a stdout line as a protocol
// event. Everything else is plain stdout passed through unchanged.
const Prefix = "LATTICE_EVENT "

// ErrMalformedEvent is returned when a LATTICE_EVENT line's JSON body
// cannot be parsed or is missing a field its event type requires.
var ErrMalformedEvent = errors.New("malformed_event")

// ParseLine inspects one line of sprite stdout. If it carries the protocol
// prefix, it returns the parsed event and ok=true; otherwise ok=false and
// the caller should treat line as plain output.
func ParseLine(line string) (event models.ProtocolEvent, ok bool, err error) {
	rest, found := strings.CutPrefix(line, Prefix)
	if !found {
		return models.ProtocolEvent{}, false, nil
	}
	if err := json.Unmarshal([]byte(rest), &event); err != nil {
		return models.ProtocolEvent{}, true, ErrMalformedEvent
	}
	if verr := validate(event); verr != nil {
		return models.ProtocolEvent{}, true, verr
	}
	return event, true, nil
}

// Serialize renders event back to its wire form, for tests and for sprites
// writing their own outbox.
func Serialize(event models.ProtocolEvent) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return Prefix + string(b), nil
}

func validate(e models.ProtocolEvent) error {
	req := func(field string) error {
		if _, ok := e.Payload[field]; !ok {
			return ErrMalformedEvent
		}
		return nil
	}
	switch e.EventType {
	case models.EventInfo:
		return req("message")
	case models.EventPhaseStarted:
		return req("phase")
	case models.EventPhaseFinished:
		if err := req("phase"); err != nil {
			return err
		}
		return req("success")
	case models.EventActionRequest:
		if err := req("action"); err != nil {
			return err
		}
		return req("parameters")
	case models.EventArtifact:
		return req("kind")
	case models.EventWaiting:
		return req("checkpoint_id")
	case models.EventCompleted:
		return req("status")
	case models.EventError:
		return req("message")
	case models.EventEnvironmentProposal:
		for _, f := range []string{"observed_failure", "suggested_adjustment", "confidence", "evidence", "scope"} {
			if err := req(f); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrMalformedEvent
	}
}
