package pages

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/poll"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/workflow"
)

type quickAction struct {
	Icon  string
	Label string
	Query string
}

var quickActions = []quickAction{
	{Icon: "⚡", Label: "Energy Status", Query: "Show me current energy consumption and production"},
	{Icon: "💡", Label: "Light Control", Query: "Control lights in lobby"},
	{Icon: "🔧", Label: "Report Issue", Query: "I want to report an electrical failure"},
	{Icon: "📊", Label: "Analytics", Query: "Show energy analytics for today"},
	{Icon: "🔋", Label: "Battery", Query: "What's the battery status?"},
	{Icon: "☀️", Label: "Solar", Query: "Show solar production"},
}

const maxExamples = 5

type chatView struct {
	Messages     []models.Message
	SessionID    string
	QuickActions []quickAction
	Capabilities *models.Capabilities
	Examples     []string
	PendingCount int
	ShowBadge    bool
}

func (h *Handlers) chatPage(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	view := chatView{QuickActions: quickActions, ShowBadge: u.IsStaff()}
	var g errgroup.Group
	g.Go(func() error {
		caps, err := h.api.ChatCapabilities(ctx)
		if err != nil {
			return h.soft(ctx, "chat_capabilities_failed", err)
		}
		view.Capabilities = &caps
		return nil
	})
	g.Go(func() error {
		examples, err := h.api.ChatExamples(ctx)
		if err != nil {
			return h.soft(ctx, "chat_examples_failed", err)
		}
		if len(examples) > maxExamples {
			examples = examples[:maxExamples]
		}
		view.Examples = examples
		return nil
	})
	if view.ShowBadge {
		g.Go(func() error {
			n, err := h.pendingCount(ctx)
			if err != nil {
				return h.soft(ctx, "chat_pending_count_failed", err)
			}
			view.PendingCount = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.unauthorized(w, r, s)
		return
	}

	conv, err := h.transcripts.Load(ctx, s.BrowserID(), *u)
	if err != nil {
		h.logger.Error(ctx, "chat_transcript_load_failed", "failed to load transcript", logx.Err("STORAGE_ERROR", err)...)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	view.Messages = conv.Messages
	view.SessionID = conv.SessionID
	h.render(w, r, http.StatusOK, "chat", page{Title: "AI Assistant", User: u, Body: view})
}

// soft logs a failed secondary read. Only ErrUnauthorized escapes, since
// it ends the session.
func (h *Handlers) soft(ctx context.Context, event string, err error) error {
	if isUnauthorized(err) {
		return err
	}
	h.logger.Warn(ctx, event, "secondary read failed", logx.Err("UPSTREAM_ERROR", err)...)
	return nil
}

func (h *Handlers) pendingCount(ctx context.Context) (int, error) {
	list, err := h.api.ListComplaints(ctx, workflow.ComplaintPending, "")
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (h *Handlers) chatSend(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	text := r.FormValue("message")
	_, sent, err := h.transcripts.Send(r.Context(), s.BrowserID(), *u, text)
	if err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.logger.Error(r.Context(), "chat_send_storage_failed", "failed to store chat message", logx.Err("STORAGE_ERROR", err)...)
		http.Error(w, "failed to store conversation", http.StatusInternalServerError)
		return
	}
	if sent {
		h.record(r, events.TypeChatSent, u, map[string]int{"length": len([]rune(text))})
	}
	redirect(w, r, "/chat#end")
}

func (h *Handlers) chatNew(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if _, err := h.transcripts.Reset(r.Context(), s.BrowserID(), *u); err != nil {
		h.logger.Error(r.Context(), "chat_reset_failed", "failed to reset transcript", logx.Err("STORAGE_ERROR", err)...)
		http.Error(w, "failed to reset conversation", http.StatusInternalServerError)
		return
	}
	redirect(w, r, "/chat")
}

func (h *Handlers) chatRefreshProfile(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.RefreshUser(r.Context()); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, err.Error())
	}
	redirect(w, r, "/chat")
}

// chatNotifications streams the pending-complaint count for the badge.
// The poll lives exactly as long as the connection.
func (h *Handlers) chatNotifications(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok || !s.Authenticated() {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "unauthorized", "/login")
		return
	}
	if !s.User().IsStaff() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := poll.Every(r.Context(), h.pollInterval, func(ctx context.Context) error {
		n, err := h.pendingCount(ctx)
		if err != nil {
			if isUnauthorized(err) {
				return err
			}
			h.logger.Warn(ctx, "chat_pending_poll_failed", "pending count poll failed", logx.Err("UPSTREAM_ERROR", err)...)
			return nil
		}
		writeEvent(w, "pending", strconv.Itoa(n))
		flusher.Flush()
		return nil
	})
	if isUnauthorized(err) {
		s.Invalidate(r.Context())
		writeEvent(w, "unauthorized", "/login")
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
