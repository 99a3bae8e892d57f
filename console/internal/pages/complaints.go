package pages

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/workflow"
)

type filterOption struct {
	Value string
	Label string
	Color string
}

type complaintsView struct {
	Filter          string
	Filters         []filterOption
	Deferred        bool
	Complaints      []models.Complaint
	Total           int
	PendingCount    int
	InProgressCount int
	Selected        *models.Complaint
	Resolving       *models.Complaint
	Notes           string
	CanAct          bool
	CanStart        bool
	Error           string
}

// Counts are taken from the list as loaded, so they follow the filter.
func countStatuses(list []models.Complaint) (pending int, inProgress int) {
	for _, c := range list {
		switch c.Status {
		case workflow.ComplaintPending:
			pending++
		case workflow.ComplaintInProgress:
			inProgress++
		}
	}
	return pending, inProgress
}

func filterFrom(r *http.Request) string {
	f := strings.TrimSpace(r.FormValue("status"))
	for _, known := range workflow.Filters() {
		if f == known {
			return f
		}
	}
	return "all"
}

func filterOptions() []filterOption {
	return []filterOption{
		{Value: "all", Label: "All", Color: "#ffffff"},
		{Value: workflow.ComplaintPending, Label: "Pending", Color: statusColor(workflow.ComplaintPending)},
		{Value: workflow.ComplaintInProgress, Label: "In Progress", Color: statusColor(workflow.ComplaintInProgress)},
		{Value: workflow.ComplaintResolved, Label: "Resolved", Color: statusColor(workflow.ComplaintResolved)},
	}
}

// allowed checks a staff action against the status the page was showing.
// Forms posted without one are left to the backend.
func allowed(current string, target string) bool {
	return current == "" || workflow.CanTransition(current, target)
}

func transition(id string, from string, to string) map[string]string {
	out := map[string]string{"complaint_id": id, "status": to}
	if ev := workflow.EventTypeForTransition(from, to); ev != "" {
		out["transition"] = ev
	}
	return out
}

func complaintsURL(filter string, extra ...string) string {
	q := url.Values{}
	if filter != "" && filter != "all" {
		q.Set("status", filter)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	if len(q) == 0 {
		return "/complaints"
	}
	return "/complaints?" + q.Encode()
}

func (h *Handlers) complaintsPage(w http.ResponseWriter, r *http.Request) {
	_, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsStaff() {
		redirect(w, r, "/chat")
		return
	}
	q := r.URL.Query()
	h.renderComplaints(w, r, u, complaintsView{
		Filter: filterFrom(r),
	}, strings.TrimSpace(q.Get("view")), strings.TrimSpace(q.Get("resolve")))
}

func (h *Handlers) renderComplaints(w http.ResponseWriter, r *http.Request, u *models.User, view complaintsView, viewID string, resolveID string) {
	s, _ := session.FromContext(r.Context())
	ctx := r.Context()

	statusFilter := ""
	if view.Filter != "all" {
		statusFilter = view.Filter
	}
	list, err := h.api.ListComplaints(ctx, statusFilter, "")
	if err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.logger.Warn(ctx, "complaints_load_failed", "failed to load complaints", logx.Err("UPSTREAM_ERROR", err)...)
	}
	view.Filters = filterOptions()
	view.Complaints = list
	view.Total = len(list)
	view.PendingCount, view.InProgressCount = countStatuses(list)
	view.CanAct = u.IsStaff()

	pick := func(id string) (*models.Complaint, error) {
		if id == "" {
			return nil, nil
		}
		c, err := h.api.GetComplaint(ctx, id)
		if err == nil {
			return &c, nil
		}
		if isUnauthorized(err) {
			return nil, err
		}
		h.logger.Warn(ctx, "complaint_load_failed", "failed to load complaint", logx.Err("UPSTREAM_ERROR", err)...)
		for i := range list {
			if list[i].ID == id {
				return &list[i], nil
			}
		}
		return nil, nil
	}
	if view.Selected, err = pick(viewID); err != nil {
		h.unauthorized(w, r, s)
		return
	}
	if view.Selected != nil {
		view.CanAct = view.CanAct && workflow.HasActions(view.Selected.Status)
		view.CanStart = view.CanAct && workflow.CanStart(view.Selected.Status)
	}
	if view.Resolving, err = pick(resolveID); err != nil {
		h.unauthorized(w, r, s)
		return
	}

	h.render(w, r, http.StatusOK, "complaints", page{Title: "Complaint Management", User: u, Body: view})
}

func (h *Handlers) complaintStart(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsStaff() {
		redirect(w, r, "/chat")
		return
	}
	id := r.PathValue("id")
	filter := filterFrom(r)
	status := workflow.ComplaintInProgress
	current := r.FormValue("current")
	if !allowed(current, status) {
		h.flash.Add(w, r, KindError, fmt.Sprintf("Error: complaint is %s and cannot be started", label(current)))
		redirect(w, r, complaintsURL(filter, "view", id))
		return
	}

	if _, err := h.api.UpdateComplaint(r.Context(), id, models.ComplaintPatch{Status: &status}); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to update status"))
		redirect(w, r, complaintsURL(filter, "view", id))
		return
	}
	h.record(r, events.TypeComplaintStatus, u, transition(id, current, status))
	h.flash.Add(w, r, KindNotice, "Status updated successfully!")
	redirect(w, r, complaintsURL(filter))
}

func (h *Handlers) complaintResolve(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !u.IsStaff() {
		redirect(w, r, "/chat")
		return
	}
	id := r.PathValue("id")
	filter := filterFrom(r)
	notes := r.FormValue("resolution_notes")
	current := r.FormValue("current")

	if strings.TrimSpace(notes) == "" {
		// Rejected here without a backend read; the modal is rebuilt from
		// the posted form and keeps whatever was typed.
		h.render(w, r, http.StatusOK, "complaints", page{Title: "Complaint Management", User: u, Body: complaintsView{
			Filter:   filter,
			Filters:  filterOptions(),
			Deferred: true,
			CanAct:   true,
			Notes:    notes,
			Error:    "Please provide resolution notes",
			Resolving: &models.Complaint{
				ID:              id,
				ComplaintNumber: r.FormValue("complaint_number"),
				Title:           r.FormValue("title"),
				Status:          current,
			},
		}})
		return
	}

	status := workflow.ComplaintResolved
	if !allowed(current, status) {
		h.flash.Add(w, r, KindError, fmt.Sprintf("Error: complaint is %s and cannot be resolved", label(current)))
		redirect(w, r, complaintsURL(filter, "view", id))
		return
	}
	patch := models.ComplaintPatch{Status: &status, ResolutionNotes: &notes}
	if _, err := h.api.UpdateComplaint(r.Context(), id, patch); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to resolve complaint"))
		redirect(w, r, complaintsURL(filter, "resolve", id))
		return
	}
	h.record(r, events.TypeComplaintSolved, u, transition(id, current, status))
	h.flash.Add(w, r, KindNotice, "Complaint resolved successfully!")
	redirect(w, r, complaintsURL(filter))
}
