package engine

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// MaxTitleLength is the Autotask ticket title limit.
const MaxTitleLength = 140

const (
	ellipsis   = "..."
	portalLine = "See the Sophos portal for more details."
)

var (
	// uuidMarker matches the "ID: <uuid>" line written into every ticket body.
	uuidMarker = regexp.MustCompile(`ID: ([0-9a-fA-F]{8}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{12})(\n| )`)
	// lineMarker accepts any token on its own "ID:" line.
	lineMarker = regexp.MustCompile(`(?m)^ID: (\S+)[ \t]*$`)
)

// BuildTitle renders `<prefix>"<description>" on "<location>"`, omitting the
// location suffix when the description already names it. Titles longer than
// MaxTitleLength are shortened by eliding the end of the description; the
// suffix is kept.
func BuildTitle(prefix, description, location string) string {
	head := prefix + `"` + description + `"`
	suffix := ""
	if !strings.Contains(head, location) {
		suffix = ` on "` + location + `"`
	}
	title := head + suffix
	length := len([]rune(title))
	if length <= MaxTitleLength {
		return title
	}

	desc := []rune(description)
	keep := len(desc) - (length - MaxTitleLength) - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	title = prefix + `"` + string(desc[:keep]) + ellipsis + `"` + suffix
	if r := []rune(title); len(r) > MaxTitleLength {
		// only reachable when the location alone overflows the limit
		title = string(r[:MaxTitleLength])
	}
	return title
}

// BuildDescription renders the ticket body. The Device, Event Type and ID
// lines double as the search fingerprint and provenance marker.
func BuildDescription(alert models.Alert, company, docLink string) string {
	var b strings.Builder
	b.WriteString(alert.Description)
	b.WriteString(" \nSeverity: ")
	b.WriteString(string(alert.Severity))
	b.WriteString(" \nCompany: ")
	b.WriteString(company)
	b.WriteString(" \nDevice: ")
	b.WriteString(alert.Location)
	if alert.Data.SourceIP != "" {
		b.WriteString("\nIP: ")
		b.WriteString(alert.Data.SourceIP)
	}
	b.WriteString("\nEvent Type: ")
	b.WriteString(alert.Type)
	b.WriteString(" \nID: ")
	b.WriteString(alert.ID)
	b.WriteString(" \nWhen: ")
	b.WriteString(utils.FormatAlertDate(alert.When))
	b.WriteString(" \n\n")
	b.WriteString(portalLine)
	if docLink != "" {
		b.WriteString("\n\nHow To Documentation: ")
		b.WriteString(docLink)
	}
	return b.String()
}

// Priority maps alert severity to Autotask priority.
func Priority(sev models.Severity) int {
	if sev == models.SeverityMedium {
		return 3
	}
	return 2
}

// ExtractAlertID returns the alert id a ticket was raised for. The structured
// correlation field wins over the description marker.
func ExtractAlertID(t models.Ticket) (string, bool) {
	if id := strings.TrimSpace(t.CorrelationID); id != "" {
		return id, true
	}
	if m := uuidMarker.FindStringSubmatch(t.Description); m != nil {
		if id, err := uuid.Parse(m[1]); err == nil {
			return id.String(), true
		}
	}
	if m := lineMarker.FindStringSubmatch(t.Description); m != nil {
		return m[1], true
	}
	return "", false
}

// carriesAlert reports whether the ticket was already told about alertID.
func carriesAlert(t models.Ticket, alertID string) bool {
	if alertID == "" {
		return false
	}
	return t.CorrelationID == alertID || strings.Contains(t.Description, alertID)
}

// latestTicket picks the most recently created ticket. Ties keep the first seen.
func latestTicket(tickets []models.Ticket) (models.Ticket, bool) {
	if len(tickets) == 0 {
		return models.Ticket{}, false
	}
	latest := tickets[0]
	for _, t := range tickets[1:] {
		if t.CreateDate.After(latest.CreateDate) {
			latest = t
		}
	}
	return latest, true
}

// closingStatus leaves assigned tickets for technician review.
func closingStatus(t models.Ticket) int {
	if t.AssignedResourceID != nil && *t.AssignedResourceID != 0 {
		return models.TicketStatusWaiting
	}
	return models.TicketStatusComplete
}
