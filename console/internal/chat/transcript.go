// Package chat keeps the assistant conversation of one browser in durable
// client storage. A stored conversation belongs to the user id written
// next to it and is discarded when someone else signs in.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/shared/lockx"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type Sender interface {
	SendChatMessage(ctx context.Context, message string, history []models.Message, sessionID string) (models.ChatResponse, error)
}

type Conversation struct {
	Messages  []models.Message
	SessionID string
}

type Transcript struct {
	Store  storage.Store
	API    Sender
	Locker lockx.Locker
	// LockTTL bounds how long a crashed send can block the next one.
	LockTTL time.Duration
	Now     func() time.Time
	Logger  logx.Logger
}

func Welcome(user models.User, now time.Time) models.Message {
	return models.Message{
		Role: models.MessageAssistant,
		Content: fmt.Sprintf("Welcome back, %s.\n\n"+
			"I'm your AI-powered energy management assistant. I can help you control lighting systems, "+
			"monitor energy consumption, manage complaints, and provide detailed analytics.\n\n"+
			"What would you like to know?", user.DisplayName()),
		Timestamp: now.UTC().Format(timestampLayout),
	}
}

// Load returns the conversation for user. The stored transcript is used
// only when it was written for the same user id; otherwise it is cleared
// and a fresh conversation starts with the welcome message.
func (t *Transcript) Load(ctx context.Context, browserID string, user models.User) (Conversation, error) {
	rawMessages, hasMessages, err := t.Store.Get(ctx, browserID, storage.KeyChatMessages)
	if err != nil {
		return Conversation{}, err
	}
	sessionID, _, err := t.Store.Get(ctx, browserID, storage.KeyChatSessionID)
	if err != nil {
		return Conversation{}, err
	}
	owner, _, err := t.Store.Get(ctx, browserID, storage.KeyChatUserID)
	if err != nil {
		return Conversation{}, err
	}

	// The session id is only known after the first answer, so a transcript
	// without one is still reused.
	if hasMessages && owner == user.UID {
		var msgs []models.Message
		if err := json.Unmarshal([]byte(rawMessages), &msgs); err == nil {
			return Conversation{Messages: msgs, SessionID: sessionID}, nil
		}
		t.Logger.Warn(ctx, "chat_transcript_corrupt", "stored transcript could not be decoded",
			slog.String("browser_id", browserID),
		)
		if err := t.Store.Set(ctx, browserID, storage.KeyChatUserID, user.UID); err != nil {
			return Conversation{}, err
		}
		return Conversation{Messages: []models.Message{Welcome(user, t.now())}, SessionID: sessionID}, nil
	}

	if owner != user.UID && owner != "" {
		t.Logger.Info(ctx, "chat_transcript_discarded", "transcript belonged to another user",
			slog.String("browser_id", browserID),
			slog.String("user_id", user.UID),
		)
	}
	return t.start(ctx, browserID, user)
}

// Reset starts a new chat for the same user.
func (t *Transcript) Reset(ctx context.Context, browserID string, user models.User) (Conversation, error) {
	return t.start(ctx, browserID, user)
}

func (t *Transcript) start(ctx context.Context, browserID string, user models.User) (Conversation, error) {
	if err := t.Store.Remove(ctx, browserID, storage.KeyChatMessages, storage.KeyChatSessionID); err != nil {
		return Conversation{}, err
	}
	if err := t.Store.Set(ctx, browserID, storage.KeyChatUserID, user.UID); err != nil {
		return Conversation{}, err
	}
	conv := Conversation{Messages: []models.Message{Welcome(user, t.now())}}
	if err := t.saveMessages(ctx, browserID, conv.Messages); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// Send appends text and the assistant's answer. sent is false when text is
// blank or another send for this browser is still in flight; nothing is
// stored then. A failed call becomes a "System Error" reply; only storage
// failures and ErrUnauthorized are returned as errors.
func (t *Transcript) Send(ctx context.Context, browserID string, user models.User, text string) (conv Conversation, sent bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		conv, err = t.Load(ctx, browserID, user)
		return conv, false, err
	}

	release, ok, err := t.lock(ctx, browserID)
	if err != nil {
		return Conversation{}, false, err
	}
	if !ok {
		metricsx.IncChatSend("busy")
		conv, err = t.Load(ctx, browserID, user)
		return conv, false, err
	}
	defer release()

	conv, err = t.Load(ctx, browserID, user)
	if err != nil {
		return Conversation{}, false, err
	}
	conv.Messages = append(conv.Messages, models.Message{
		Role:      models.MessageUser,
		Content:   text,
		Timestamp: t.now().UTC().Format(timestampLayout),
	})
	if err := t.saveMessages(ctx, browserID, conv.Messages); err != nil {
		return Conversation{}, false, err
	}

	resp, callErr := t.API.SendChatMessage(ctx, text, conv.Messages, conv.SessionID)
	if errors.Is(callErr, apiclient.ErrUnauthorized) {
		metricsx.IncChatSend("unauthorized")
		return conv, true, callErr
	}

	reply := models.Message{Role: models.MessageAssistant}
	if callErr != nil {
		metricsx.IncChatSend("error")
		t.Logger.Warn(ctx, "chat_send_failed", "assistant call failed", logx.Err("UPSTREAM_ERROR", callErr)...)
		reply.Content = "System Error: " + apiclient.Message(callErr, "Unable to process request")
		reply.Timestamp = t.now().UTC().Format(timestampLayout)
	} else {
		metricsx.IncChatSend("ok")
		if conv.SessionID == "" && resp.SessionID != "" {
			conv.SessionID = resp.SessionID
			if err := t.Store.Set(ctx, browserID, storage.KeyChatSessionID, conv.SessionID); err != nil {
				return Conversation{}, true, err
			}
		}
		reply.Content = resp.Message
		reply.Timestamp = resp.Timestamp
		if reply.Timestamp == "" {
			reply.Timestamp = t.now().UTC().Format(timestampLayout)
		}
	}
	conv.Messages = append(conv.Messages, reply)
	if err := t.saveMessages(ctx, browserID, conv.Messages); err != nil {
		return Conversation{}, true, err
	}
	return conv, true, nil
}

func (t *Transcript) lock(ctx context.Context, browserID string) (func(), bool, error) {
	if t.Locker == nil {
		return func() {}, true, nil
	}
	ttl := t.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return t.Locker.TryLock(ctx, "chat:send:"+browserID, ttl)
}

func (t *Transcript) saveMessages(ctx context.Context, browserID string, msgs []models.Message) error {
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return t.Store.Set(ctx, browserID, storage.KeyChatMessages, string(b))
}

func (t *Transcript) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
