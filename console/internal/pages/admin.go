package pages

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
)

type roleOption struct {
	Value string
	Label string
}

var roleOptions = []roleOption{
	{Value: models.RoleUser, Label: "👤 User"},
	{Value: models.RoleEngineer, Label: "⚡ Electrical Engineer"},
	{Value: models.RoleAdmin, Label: "👑 Admin"},
}

type adminView struct {
	Users   []models.User
	Stats   *models.Stats
	Editing *models.User
	Roles   []roleOption
}

func (h *Handlers) adminPage(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsAdmin() {
		redirect(w, r, "/chat")
		return
	}
	ctx := r.Context()

	view := adminView{Roles: roleOptions}
	var (
		users []models.User
		stats models.Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = h.api.ListUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = h.api.Stats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		// Both reads or neither, like the page always did.
		h.logger.Warn(ctx, "admin_load_failed", "failed to load admin dashboard", logx.Err("UPSTREAM_ERROR", err)...)
	} else {
		view.Users = users
		view.Stats = &stats
	}

	if uid := strings.TrimSpace(r.URL.Query().Get("edit")); uid != "" {
		target, err := h.api.GetUser(ctx, uid)
		switch {
		case err == nil:
			view.Editing = &target
		case isUnauthorized(err):
			h.unauthorized(w, r, s)
			return
		default:
			for i := range view.Users {
				if view.Users[i].UID == uid {
					view.Editing = &view.Users[i]
				}
			}
		}
	}
	h.render(w, r, http.StatusOK, "admin", page{Title: "Admin Dashboard", User: u, Body: view})
}

func (h *Handlers) adminChangeRole(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsAdmin() {
		redirect(w, r, "/chat")
		return
	}
	uid := strings.TrimSpace(r.PathValue("uid"))
	role := strings.TrimSpace(r.FormValue("role"))
	if uid == "" || role == "" {
		redirect(w, r, "/admin")
		return
	}
	name := strings.TrimSpace(r.FormValue("full_name"))
	if name == "" {
		name = uid
	}

	if _, err := h.api.ChangeUserRole(r.Context(), uid, role); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to change role"))
		redirect(w, r, "/admin?edit="+url.QueryEscape(uid))
		return
	}
	h.record(r, events.TypeRoleChanged, u, map[string]string{"user_id": uid, "new_role": role})
	h.flash.Add(w, r, KindNotice, fmt.Sprintf("Successfully changed %s's role to %s", name, role))
	redirect(w, r, "/admin")
}

func (h *Handlers) adminSetActive(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsAdmin() {
		redirect(w, r, "/chat")
		return
	}
	uid := strings.TrimSpace(r.PathValue("uid"))
	active := r.FormValue("active") == "true"

	updated, err := h.api.UpdateUser(r.Context(), uid, models.UserPatch{IsActive: &active})
	if err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to update user"))
		redirect(w, r, "/admin")
		return
	}
	state := "deactivated"
	if updated.IsActive {
		state = "activated"
	}
	h.flash.Add(w, r, KindNotice, fmt.Sprintf("%s has been %s", updated.DisplayName(), state))
	redirect(w, r, "/admin")
}
