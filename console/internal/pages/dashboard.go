package pages

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/telemetry"
	"smart-energy-console/shared/logx"
)

const (
	panelLights    = "lights"
	panelAnalytics = "analytics"
	panelReport    = "report"
)

type dashboardAction struct {
	Panel       string
	Title       string
	Description string
	Border      string
}

var dashboardActions = []dashboardAction{
	{Panel: panelLights, Title: "💡 Control Lights", Description: "Manage lighting in all zones", Border: "#1d4ed8"},
	{Panel: panelAnalytics, Title: "📊 View Analytics", Description: "Energy consumption reports", Border: "#15803d"},
	{Panel: panelReport, Title: "🔧 Report Issue", Description: "Submit electrical complaints", Border: "#a16207"},
}

type namedPayload struct {
	Title   string
	Payload models.Payload
}

type dashboardView struct {
	Loaded     bool
	Figures    models.Dashboard
	Actions    []dashboardAction
	Panel      string
	Period     string
	Lights     models.Payload
	Analytics  []namedPayload
	Trend      []telemetry.TrendPoint
	BackendURL string
}

func periodFrom(r *http.Request) string {
	switch p := r.URL.Query().Get("period"); p {
	case "daily", "weekly", "monthly":
		return p
	default:
		return "daily"
	}
}

func (h *Handlers) dashboardPage(w http.ResponseWriter, r *http.Request) {
	s, u, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	view := dashboardView{
		Actions:    dashboardActions,
		Panel:      r.URL.Query().Get("panel"),
		Period:     periodFrom(r),
		BackendURL: h.backendURL,
	}

	figures, err := h.api.Dashboard(ctx)
	switch {
	case err == nil:
		view.Figures = figures
		view.Loaded = true
		h.telemetry.RecordDashboard(ctx, figures)
	case isUnauthorized(err):
		h.unauthorized(w, r, s)
		return
	default:
		h.logger.Warn(ctx, "dashboard_load_failed", "failed to load dashboard", logx.Err("UPSTREAM_ERROR", err)...)
	}

	if trend, err := h.telemetry.Trend(ctx); err != nil {
		h.logger.Debug(ctx, "dashboard_trend_failed", "trend unavailable", logx.Err("UPSTREAM_ERROR", err)...)
	} else {
		view.Trend = trend
	}

	switch view.Panel {
	case panelLights:
		lights, err := h.api.LightStatus(ctx, strings.TrimSpace(r.URL.Query().Get("zone")))
		if err != nil {
			if isUnauthorized(err) {
				h.unauthorized(w, r, s)
				return
			}
			h.logger.Warn(ctx, "lighting_status_failed", "failed to load lighting status", logx.Err("UPSTREAM_ERROR", err)...)
		}
		view.Lights = lights
	case panelAnalytics:
		panels, err := h.analytics(ctx, view.Period)
		if err != nil {
			h.unauthorized(w, r, s)
			return
		}
		view.Analytics = panels
	}

	h.render(w, r, http.StatusOK, "dashboard", page{Title: "Smart Energy Management", User: u, Body: view})
}

// analytics loads every report in parallel. A failed report is left out;
// only ErrUnauthorized is returned.
func (h *Handlers) analytics(ctx context.Context, period string) ([]namedPayload, error) {
	loaders := []struct {
		title string
		load  func(context.Context) (models.Payload, error)
	}{
		{"Energy Analytics", func(ctx context.Context) (models.Payload, error) { return h.api.EnergyAnalytics(ctx, period) }},
		{"Zone Analytics", func(ctx context.Context) (models.Payload, error) { return h.api.Analytics(ctx, period, "") }},
		{"Summary Report", h.api.SummaryReport},
		{"Consumption", func(ctx context.Context) (models.Payload, error) { return h.api.Consumption(ctx, "") }},
		{"Solar", h.api.Solar},
		{"Battery", h.api.Battery},
	}
	results := make([]models.Payload, len(loaders))
	var g errgroup.Group
	for i, l := range loaders {
		i, l := i, l
		g.Go(func() error {
			p, err := l.load(ctx)
			if err != nil {
				return h.soft(ctx, "analytics_load_failed", err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]namedPayload, 0, len(loaders))
	for i, l := range loaders {
		if results[i] != nil {
			out = append(out, namedPayload{Title: l.title, Payload: results[i]})
		}
	}
	return out, nil
}

func (h *Handlers) dashboardLights(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	zone := strings.TrimSpace(r.FormValue("zone"))
	action := strings.TrimSpace(r.FormValue("action"))
	if zone == "" || action == "" {
		h.flash.Add(w, r, KindError, "Please choose a zone and an action")
		redirect(w, r, "/dashboard?panel="+panelLights)
		return
	}
	var brightness *int
	if raw := strings.TrimSpace(r.FormValue("brightness")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 100 {
			h.flash.Add(w, r, KindError, "Brightness must be between 0 and 100")
			redirect(w, r, "/dashboard?panel="+panelLights)
			return
		}
		brightness = &v
	}

	if _, err := h.api.ControlLights(r.Context(), zone, action, brightness); err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to control lights"))
		redirect(w, r, "/dashboard?panel="+panelLights)
		return
	}
	h.flash.Add(w, r, KindNotice, fmt.Sprintf("Lights in %s: %s", humanize(zone), action))
	redirect(w, r, "/dashboard?panel="+panelLights+"&zone="+url.QueryEscape(zone))
}

func (h *Handlers) dashboardComplaint(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	in := models.ComplaintCreate{
		Title:       strings.TrimSpace(r.FormValue("title")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Category:    strings.TrimSpace(r.FormValue("category")),
		Zone:        strings.TrimSpace(r.FormValue("zone")),
		Priority:    strings.TrimSpace(r.FormValue("priority")),
	}
	if in.Title == "" || in.Description == "" {
		h.flash.Add(w, r, KindError, "Please provide a title and a description")
		redirect(w, r, "/dashboard?panel="+panelReport)
		return
	}

	created, err := h.api.CreateComplaint(r.Context(), in)
	if err != nil {
		if isUnauthorized(err) {
			h.unauthorized(w, r, s)
			return
		}
		h.flash.Add(w, r, KindError, "Error: "+apiclient.Detail(err, "Failed to submit complaint"))
		redirect(w, r, "/dashboard?panel="+panelReport)
		return
	}
	h.flash.Add(w, r, KindNotice, fmt.Sprintf("Complaint %s submitted", created.ComplaintNumber))
	redirect(w, r, "/dashboard")
}
