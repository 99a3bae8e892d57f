package pages

import (
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"smart-energy-console/console/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"loading", "login", "register", "chat", "admin", "complaints", "dashboard"}

func parseTemplates() (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

var funcs = template.FuncMap{
	"fixed1":        func(v *float64) string { return fixed(v, 1) },
	"fixed2":        func(v *float64) string { return fixed(v, 2) },
	"label":         label,
	"humanize":      humanize,
	"roleColor":     roleColor,
	"roleIcon":      roleIcon,
	"priorityColor": priorityColor,
	"priorityIcon":  priorityIcon,
	"statusColor":   statusColor,
	"initial":       initial,
	"shortID":       shortID,
	"clock":         clock,
	"when":          when,
	"entries":       entries,
	"deref":         deref,
}

// fixed renders an absent figure as a bare 0.
func fixed(v *float64, places int) string {
	if v == nil {
		return "0"
	}
	return fmt.Sprintf("%.*f", places, *v)
}

// label upper-cases a status or role, turning its first underscore into a
// space.
func label(s string) string {
	return strings.ToUpper(strings.Replace(s, "_", " ", 1))
}

// humanize is label for zones and categories, where every underscore goes.
func humanize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "_", " "))
}

func roleColor(role string) string {
	switch role {
	case models.RoleAdmin:
		return "#ef4444"
	case models.RoleEngineer:
		return "#3b82f6"
	default:
		return "#6b7280"
	}
}

func roleIcon(role string) string {
	switch role {
	case models.RoleAdmin:
		return "👑"
	case models.RoleEngineer:
		return "⚡"
	default:
		return "👤"
	}
}

func priorityColor(priority string) string {
	switch priority {
	case "critical":
		return "#ef4444"
	case "high":
		return "#f97316"
	case "medium":
		return "#eab308"
	case "low":
		return "#10b981"
	default:
		return "#6b7280"
	}
}

func priorityIcon(priority string) string {
	switch priority {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "medium":
		return "🟡"
	case "low":
		return "🟢"
	default:
		return "⚪"
	}
}

func statusColor(status string) string {
	switch status {
	case "pending":
		return "#f59e0b"
	case "in_progress":
		return "#3b82f6"
	case "resolved":
		return "#10b981"
	default:
		return "#6b7280"
	}
}

func initial(name string) string {
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(name))
	if r == utf8.RuneError {
		return "U"
	}
	return string(unicode.ToUpper(r))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func parseTime(ts string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func clock(ts string) string {
	t, ok := parseTime(ts)
	if !ok {
		return ""
	}
	return t.UTC().Format("15:04")
}

func when(ts string) string {
	t, ok := parseTime(ts)
	if !ok {
		return ts
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

type entry struct {
	Key   string
	Value string
}

// entries flattens a payload the console only displays, sorted by key.
func entries(p models.Payload) []entry {
	out := make([]entry, 0, len(p))
	for k, v := range p {
		out = append(out, entry{Key: humanize(k), Value: display(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func display(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, display(e))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+display(t[k]))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
