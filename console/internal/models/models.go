package models

import "strings"

const (
	RoleUser     = "user"
	RoleEngineer = "electrical_engineer"
	RoleAdmin    = "admin"
)

// Roles lists the roles an administrator may assign.
func Roles() []string {
	return []string{RoleUser, RoleEngineer, RoleAdmin}
}

type User struct {
	UID           string   `json:"uid"`
	Email         string   `json:"email"`
	FullName      string   `json:"full_name"`
	Role          string   `json:"role"`
	IsActive      bool     `json:"is_active"`
	AssignedZones []string `json:"assigned_zones"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IsStaff reports whether u works complaints: administrators and
// electrical engineers.
func (u *User) IsStaff() bool {
	return u != nil && (u.Role == RoleAdmin || u.Role == RoleEngineer)
}

func (u *User) DisplayName() string {
	if u == nil || strings.TrimSpace(u.FullName) == "" {
		return "User"
	}
	return u.FullName
}

type UserPatch struct {
	FullName      *string  `json:"full_name,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
	AssignedZones []string `json:"assigned_zones,omitempty"`
}

type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

type Complaint struct {
	ID              string  `json:"id"`
	ComplaintNumber string  `json:"complaint_number"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	Zone            string  `json:"zone"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	CreatedBy       string  `json:"created_by"`
	CreatedByName   string  `json:"created_by_name"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
	AssignedToName  *string `json:"assigned_to_name,omitempty"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
}

type ComplaintCreate struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Zone        string `json:"zone"`
	Priority    string `json:"priority"`
}

// ComplaintPatch carries a partial update; nil fields are not sent.
type ComplaintPatch struct {
	Status          *string `json:"status,omitempty"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
	AssignedTo      *string `json:"assigned_to,omitempty"`
}

const (
	MessageUser      = "user"
	MessageAssistant = "assistant"
)

type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ChatRequest struct {
	Message   string    `json:"message"`
	History   []Message `json:"history"`
	SessionID string    `json:"session_id,omitempty"`
}

type ChatResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

type Capabilities struct {
	Level       int      `json:"level"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type Stats struct {
	TotalUsers        int `json:"total_users"`
	TotalComplaints   int `json:"total_complaints"`
	ActiveUsers       int `json:"active_users"`
	PendingComplaints int `json:"pending_complaints"`
}

// Dashboard fields are pointers so an absent figure renders as 0 rather
// than a formatted zero.
type Dashboard struct {
	BatteryCharge    *float64 `json:"battery_charge"`
	SolarProduction  *float64 `json:"solar_production"`
	TotalConsumption *float64 `json:"total_consumption"`
	CostSavings      *float64 `json:"cost_savings"`
}

type LightControl struct {
	Zone       string `json:"zone"`
	Action     string `json:"action"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Payload holds backend responses the console only displays.
type Payload map[string]any
