package models

import "time"

// Alert is a single SIEM alert raised for a tenant.
type Alert struct {
	ID          string
	TenantID    string
	Severity    Severity
	Type        string
	Description string
	Location    string
	When        time.Time
	Data        AlertData
}

// AlertData carries the optional endpoint context attached to an alert.
type AlertData struct {
	EndpointID string
	SourceIP   string
}

// Severity captures alert impact levels as reported by Sophos.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classification decides which reconciliation path an alert takes.
type Classification int

const (
	ClassIgnored Classification = iota
	ClassDown
	ClassUp
)

func (c Classification) String() string {
	switch c {
	case ClassDown:
		return "down"
	case ClassUp:
		return "up"
	default:
		return "ignored"
	}
}

// Tenant is a managed customer account under the partner.
type Tenant struct {
	ID         string
	Name       string
	Status     string
	DataRegion string
	APIHost    string
}

// Active reports whether alerts should be fetched for the tenant.
func (t Tenant) Active() bool {
	return t.Status == "active"
}

// TenantAlerts groups the alerts fetched for one tenant in a run.
type TenantAlerts struct {
	Tenant Tenant
	Alerts []Alert
}
