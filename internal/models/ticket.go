package models

import "time"

// Autotask ticket status values used by the sync.
const (
	TicketStatusNew      = 1
	TicketStatusComplete = 5
	// TicketStatusWaiting marks a ticket resolved pending technician review.
	TicketStatusWaiting = 13
)

// Ticket mirrors the Autotask ticket fields the sync reads and writes.
type Ticket struct {
	ID                 int64
	CompanyID          int64
	Title              string
	Description        string
	Status             int
	CreateDate         time.Time
	AssignedResourceID *int64
	CIID               *int64
	CorrelationID      string
}

// NewTicket is the payload for ticket creation.
type NewTicket struct {
	CompanyID               int64
	CompanyLocationID       int64
	Priority                int
	Status                  int
	QueueID                 int64
	IssueType               int64
	SubIssueType            int64
	ServiceLevelAgreementID int64
	ContractID              *int64
	ConfigurationItemID     *int64
	Title                   string
	Description             string
	// CorrelationField/CorrelationID populate an optional user-defined field.
	CorrelationField string
	CorrelationID    string
}

// TicketNote is appended to an existing ticket.
type TicketNote struct {
	Title       string
	Description string
}

// TicketQuery is the fingerprint used to find open alert tickets.
// Zero values are omitted from the remote filter.
type TicketQuery struct {
	CompanyID   int64
	TitlePrefix string
	Device      string
	EventType   string
	// CorrelationField, when set, is read back into Ticket.CorrelationID.
	CorrelationField string
}

// Location is an Autotask company location.
type Location struct {
	ID        int64
	IsActive  bool
	IsPrimary bool
}

// Contract is an Autotask service contract.
type Contract struct {
	ID        int64
	IsDefault bool
}
