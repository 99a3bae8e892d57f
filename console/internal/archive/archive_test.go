package archive

import (
	"encoding/json"
	"errors"
	"testing"

	"smart-energy-console/shared/events"
)

func TestDecodeAcceptsPublishedEnvelope(t *testing.T) {
	env, err := events.New(events.TypeRoleChanged, "b1", map[string]string{"user_id": "u2", "role": "admin"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.UserID = "u1"
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != events.TypeRoleChanged || got.UserID != "u1" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if string(got.Payload) != `{"role":"admin","user_id":"u2"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
}

func TestDecodeRejectsIncompleteEvents(t *testing.T) {
	cases := map[string]string{
		"not json":   `{`,
		"no id":      `{"event_type":"session.login","browser_id":"b1"}`,
		"no type":    `{"event_id":"6f1c1a1e-8f0e-4c59-9a43-0d6c1f6f7e11","browser_id":"b1"}`,
		"no browser": `{"event_id":"6f1c1a1e-8f0e-4c59-9a43-0d6c1f6f7e11","event_type":"session.login"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestDecodeFillsMissingTime(t *testing.T) {
	got, err := Decode([]byte(`{"event_id":"6f1c1a1e-8f0e-4c59-9a43-0d6c1f6f7e11","event_type":"session.logout","browser_id":"b1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be filled")
	}
}
