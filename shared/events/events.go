package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the record published for every user action the console
// forwards to the backend.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	BrowserID  string          `json:"browser_id"`
	UserID     string          `json:"user_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	EventType  string          `json:"event_type"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

const (
	TypeLogin           = "session.login"
	TypeLoginFailed     = "session.login_failed"
	TypeRegister        = "session.register"
	TypeLogout          = "session.logout"
	TypeSessionEvicted  = "session.evicted"
	TypeChatSent        = "chat.sent"
	TypeRoleChanged     = "admin.role_changed"
	TypeComplaintStatus = "complaint.status_changed"
	TypeComplaintSolved = "complaint.resolved"
)

func New(eventType string, browserID string, payload any) (Envelope, error) {
	env := Envelope{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
		BrowserID:  browserID,
		EventType:  eventType,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = b
	}
	return env, nil
}
