package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alertsync/sophos-autotask/internal/cache"
	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// ErrUnauthorized is returned when Autotask rejects the API credentials.
var ErrUnauthorized = errors.New("autotask API key unauthorized")

const (
	autotaskAPIVersion = "V1.0"
	autotaskMaxPages   = 20
	noteTypeTask       = 1
	notePublishAll     = 1
)

// AutotaskOptions configures AutotaskClient.
type AutotaskOptions struct {
	Username        string
	Secret          string
	IntegrationCode string
	// ZoneLookupURL discovers the tenant zone when BaseURL is empty.
	ZoneLookupURL string
	BaseURL       string
	Timeout       time.Duration
	CacheTTL      time.Duration
}

// AutotaskClient wraps the Autotask REST entities used by the sync.
type AutotaskClient struct {
	opts       AutotaskOptions
	baseURL    string
	httpClient *http.Client
	cache      cache.Provider
	logger     *slog.Logger
}

// NewAutotaskClient constructs a client. A nil cache disables lookup caching.
func NewAutotaskClient(opts AutotaskOptions, cacheProvider cache.Provider, logger *slog.Logger) *AutotaskClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	c := &AutotaskClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		cache:      cacheProvider,
		logger:     utils.Component(logger, "autotask"),
	}
	if opts.BaseURL != "" {
		c.baseURL = versionedBase(opts.BaseURL)
	}
	return c
}

func versionedBase(u string) string {
	u = strings.TrimRight(u, "/")
	if strings.HasSuffix(strings.ToUpper(u), strings.ToUpper(autotaskAPIVersion)) {
		return u
	}
	return u + "/" + autotaskAPIVersion
}

// Verify resolves the zone (when needed) and checks the credentials against
// Companies/entityInformation.
func (c *AutotaskClient) Verify(ctx context.Context) error {
	if c.baseURL == "" {
		if err := c.discoverZone(ctx); err != nil {
			return err
		}
	}
	err := doJSON(ctx, c.httpClient, request{method: http.MethodGet, url: c.url("Companies/entityInformation"), header: c.headers(), retry: true}, nil)
	if err != nil {
		if StatusCode(err) == http.StatusUnauthorized {
			return utils.NewAppError("autotask.verify", "API key unauthorized", fmt.Errorf("%w: %v", ErrUnauthorized, err))
		}
		return utils.NewAppError("autotask.verify", "connectivity check failed", err)
	}
	c.logger.Info("connected to autotask", slog.String("base_url", c.baseURL))
	return nil
}

func (c *AutotaskClient) discoverZone(ctx context.Context) error {
	if c.opts.ZoneLookupURL == "" {
		return utils.NewAppError("autotask.zone", "no base URL or zone lookup URL configured", nil)
	}
	var zone struct {
		ZoneName string `json:"zoneName"`
		URL      string `json:"url"`
	}
	u := c.opts.ZoneLookupURL + "?user=" + url.QueryEscape(c.opts.Username)
	if err := doJSON(ctx, c.httpClient, request{method: http.MethodGet, url: u, retry: true}, &zone); err != nil {
		return utils.NewAppError("autotask.zone", "zone lookup failed", err)
	}
	if zone.URL == "" {
		return utils.NewAppError("autotask.zone", "zone lookup returned no URL", nil)
	}
	c.baseURL = versionedBase(zone.URL)
	c.logger.Debug("resolved zone", slog.String("zone", zone.ZoneName), slog.String("base_url", c.baseURL))
	return nil
}

func (c *AutotaskClient) headers() http.Header {
	return http.Header{
		"ApiIntegrationcode": []string{c.opts.IntegrationCode},
		"UserName":           []string{c.opts.Username},
		"Secret":             []string{c.opts.Secret},
	}
}

func (c *AutotaskClient) url(p string) string {
	return resolvePath(c.baseURL, p)
}

type filter struct {
	Op    string   `json:"op"`
	Field string   `json:"field,omitempty"`
	Value any      `json:"value,omitempty"`
	Items []filter `json:"items,omitempty"`
}

type query struct {
	Filter        []filter `json:"filter"`
	IncludeFields []string `json:"includeFields,omitempty"`
}

type pageDetails struct {
	Count       int    `json:"count"`
	NextPageURL string `json:"nextPageUrl"`
}

// queryAll posts an entity query and follows nextPageUrl links.
func queryAll[T any](ctx context.Context, c *AutotaskClient, entity string, q query) ([]T, error) {
	var page struct {
		Items       []T         `json:"items"`
		PageDetails pageDetails `json:"pageDetails"`
	}
	if err := doJSON(ctx, c.httpClient, request{method: http.MethodPost, url: c.url(entity + "/query"), header: c.headers(), body: q, retry: true}, &page); err != nil {
		return nil, err
	}
	items := page.Items
	for i := 1; page.PageDetails.NextPageURL != "" && i < autotaskMaxPages; i++ {
		next := page.PageDetails.NextPageURL
		page.Items, page.PageDetails = nil, pageDetails{}
		if err := doJSON(ctx, c.httpClient, request{method: http.MethodGet, url: next, header: c.headers(), retry: true}, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

type udf struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type autotaskTicket struct {
	ID                  int64  `json:"id"`
	CompanyID           int64  `json:"companyID"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Status              int    `json:"status"`
	CreateDate          string `json:"createDate"`
	AssignedResourceID  *int64 `json:"assignedResourceID"`
	ConfigurationItemID *int64 `json:"configurationItemID"`
	UserDefinedFields   []udf  `json:"userDefinedFields"`
}

// SearchOpenTickets returns tickets matching q that have not been completed.
func (c *AutotaskClient) SearchOpenTickets(ctx context.Context, q models.TicketQuery) ([]models.Ticket, error) {
	var filters []filter
	if q.CompanyID != 0 {
		filters = append(filters, filter{Op: "eq", Field: "CompanyID", Value: q.CompanyID})
	}
	if q.TitlePrefix != "" {
		filters = append(filters, filter{Op: "beginsWith", Field: "title", Value: q.TitlePrefix})
	}
	if q.Device != "" {
		filters = append(filters, filter{Op: "contains", Field: "description", Value: "Device: " + q.Device})
	}
	if q.EventType != "" {
		filters = append(filters, filter{Op: "contains", Field: "description", Value: "Event Type: " + q.EventType})
	}
	filters = append(filters,
		filter{Op: "notExist", Field: "CompletedByResourceID"},
		filter{Op: "notExist", Field: "CompletedDate"},
	)

	items, err := queryAll[autotaskTicket](ctx, c, "Tickets", query{Filter: []filter{{Op: "and", Items: filters}}})
	if err != nil {
		return nil, utils.NewAppError("autotask.tickets", "search open tickets", err)
	}

	tickets := make([]models.Ticket, 0, len(items))
	for _, it := range items {
		t := models.Ticket{
			ID:                 it.ID,
			CompanyID:          it.CompanyID,
			Title:              it.Title,
			Description:        it.Description,
			Status:             it.Status,
			AssignedResourceID: it.AssignedResourceID,
			CIID:               it.ConfigurationItemID,
		}
		t.CreateDate = parseAutotaskTime(it.CreateDate)
		if q.CorrelationField != "" {
			for _, f := range it.UserDefinedFields {
				if f.Name == q.CorrelationField {
					t.CorrelationID = f.Value
				}
			}
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// CreateTicket creates a ticket and returns its id. It is never retried.
func (c *AutotaskClient) CreateTicket(ctx context.Context, t models.NewTicket) (int64, error) {
	body := map[string]any{
		"CompanyID":               t.CompanyID,
		"CompanyLocationID":       t.CompanyLocationID,
		"Priority":                t.Priority,
		"Status":                  t.Status,
		"QueueID":                 t.QueueID,
		"IssueType":               t.IssueType,
		"SubIssueType":            t.SubIssueType,
		"ServiceLevelAgreementID": t.ServiceLevelAgreementID,
		"ContractID":              t.ContractID,
		"Title":                   t.Title,
		"Description":             t.Description,
	}
	if t.ConfigurationItemID != nil {
		body["ConfigurationItemID"] = *t.ConfigurationItemID
	}
	if t.CorrelationField != "" && t.CorrelationID != "" {
		body["UserDefinedFields"] = []udf{{Name: t.CorrelationField, Value: t.CorrelationID}}
	}

	var resp struct {
		ItemID int64 `json:"itemId"`
	}
	if err := doJSON(ctx, c.httpClient, request{method: http.MethodPost, url: c.url("Tickets"), header: c.headers(), body: body}, &resp); err != nil {
		return 0, utils.NewAppError("autotask.create", "create ticket", err)
	}
	if resp.ItemID == 0 {
		return 0, utils.NewAppError("autotask.create", "no ticket id returned", nil)
	}
	return resp.ItemID, nil
}

// AddNote appends a published note to the ticket.
func (c *AutotaskClient) AddNote(ctx context.Context, ticketID int64, note models.TicketNote) error {
	body := map[string]any{
		"TicketID":    ticketID,
		"Title":       note.Title,
		"Description": note.Description,
		"NoteType":    noteTypeTask,
		"Publish":     notePublishAll,
	}
	u := c.url("Tickets/" + strconv.FormatInt(ticketID, 10) + "/Notes")
	if err := doJSON(ctx, c.httpClient, request{method: http.MethodPost, url: u, header: c.headers(), body: body}, nil); err != nil {
		return utils.NewAppError("autotask.note", fmt.Sprintf("add note to ticket %d", ticketID), err)
	}
	return nil
}

// UpdateTicketStatus sets the ticket status.
func (c *AutotaskClient) UpdateTicketStatus(ctx context.Context, ticketID int64, status int) error {
	body := map[string]any{"id": ticketID, "status": status}
	if err := doJSON(ctx, c.httpClient, request{method: http.MethodPatch, url: c.url("Tickets"), header: c.headers(), body: body, retry: true}, nil); err != nil {
		return utils.NewAppError("autotask.update", fmt.Sprintf("update ticket %d", ticketID), err)
	}
	return nil
}

type cachedID struct {
	Found bool  `json:"found"`
	ID    int64 `json:"id"`
}

// PrimaryLocation returns the primary active location, else the first active
// one. found is false when the company has no active location.
func (c *AutotaskClient) PrimaryLocation(ctx context.Context, companyID int64) (int64, bool, error) {
	key := "autotask:location:" + strconv.FormatInt(companyID, 10)
	var hit cachedID
	if err := cache.GetJSON(ctx, c.cache, key, &hit); err == nil {
		return hit.ID, hit.Found, nil
	}

	type location struct {
		ID        int64 `json:"id"`
		IsActive  bool  `json:"isActive"`
		IsPrimary bool  `json:"isPrimary"`
	}
	items, err := queryAll[location](ctx, c, "CompanyLocations", query{
		Filter:        []filter{{Op: "eq", Field: "CompanyID", Value: companyID}},
		IncludeFields: []string{"id", "isActive", "isPrimary"},
	})
	if err != nil {
		return 0, false, utils.NewAppError("autotask.locations", fmt.Sprintf("query locations for company %d", companyID), err)
	}

	locations := make([]models.Location, 0, len(items))
	for _, l := range items {
		locations = append(locations, models.Location{ID: l.ID, IsActive: l.IsActive, IsPrimary: l.IsPrimary})
	}
	hit = cachedID{}
	if loc, ok := pickLocation(locations); ok {
		hit = cachedID{Found: true, ID: loc.ID}
	}
	if err := cache.SetJSON(ctx, c.cache, key, hit, c.opts.CacheTTL); err != nil {
		c.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return hit.ID, hit.Found, nil
}

func pickLocation(locations []models.Location) (models.Location, bool) {
	var first *models.Location
	for i := range locations {
		l := locations[i]
		if !l.IsActive {
			continue
		}
		if l.IsPrimary {
			return l, true
		}
		if first == nil {
			first = &locations[i]
		}
	}
	if first != nil {
		return *first, true
	}
	return models.Location{}, false
}

// DefaultContract returns the company's default contract id, if any.
func (c *AutotaskClient) DefaultContract(ctx context.Context, companyID int64) (int64, bool, error) {
	key := "autotask:contract:" + strconv.FormatInt(companyID, 10)
	var hit cachedID
	if err := cache.GetJSON(ctx, c.cache, key, &hit); err == nil {
		return hit.ID, hit.Found, nil
	}

	type contract struct {
		ID int64 `json:"id"`
	}
	items, err := queryAll[contract](ctx, c, "Contracts", query{
		Filter: []filter{{Op: "and", Items: []filter{
			{Op: "eq", Field: "CompanyID", Value: companyID},
			{Op: "eq", Field: "IsDefaultContract", Value: true},
		}}},
		IncludeFields: []string{"id"},
	})
	if err != nil {
		return 0, false, utils.NewAppError("autotask.contracts", fmt.Sprintf("query contracts for company %d", companyID), err)
	}
	hit = cachedID{}
	if len(items) > 0 {
		hit = cachedID{Found: true, ID: items[0].ID}
	}
	if err := cache.SetJSON(ctx, c.cache, key, hit, c.opts.CacheTTL); err != nil {
		c.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return hit.ID, hit.Found, nil
}

// FindConfigurationItems returns the company's CIs whose reference title or
// RMM audit names equal hostname.
func (c *AutotaskClient) FindConfigurationItems(ctx context.Context, companyID int64, hostname string) ([]models.ConfigurationItem, error) {
	type ci struct {
		ID                       int64  `json:"id"`
		ReferenceTitle           string `json:"referenceTitle"`
		RMMDeviceAuditHostname   string `json:"rmmDeviceAuditHostname"`
		RMMDeviceAuditMacAddress string `json:"rmmDeviceAuditMacAddress"`
		RMMDeviceAuditLastUser   string `json:"rmmDeviceAuditLastUser"`
		RMMDeviceAuditIPAddress  string `json:"rmmDeviceAuditIPAddress"`
		LastActivityDate         string `json:"lastActivityDate"`
	}
	nameFields := []string{"referenceTitle", "rmmDeviceAuditHostname", "rmmDeviceAuditDescription", "rmmDeviceAuditSNMPName"}
	names := make([]filter, 0, len(nameFields))
	for _, f := range nameFields {
		names = append(names, filter{Op: "eq", Field: f, Value: hostname})
	}
	items, err := queryAll[ci](ctx, c, "ConfigurationItems", query{
		Filter: []filter{{Op: "and", Items: []filter{
			{Op: "eq", Field: "CompanyID", Value: companyID},
			{Op: "or", Items: names},
		}}},
	})
	if err != nil {
		return nil, utils.NewAppError("autotask.cis", fmt.Sprintf("query configuration items for %s", hostname), err)
	}

	out := make([]models.ConfigurationItem, 0, len(items))
	for _, it := range items {
		item := models.ConfigurationItem{
			ID:              it.ID,
			ReferenceTitle:  it.ReferenceTitle,
			AuditHostname:   it.RMMDeviceAuditHostname,
			AuditMACAddress: it.RMMDeviceAuditMacAddress,
			AuditLastUser:   it.RMMDeviceAuditLastUser,
			AuditIPAddress:  it.RMMDeviceAuditIPAddress,
		}
		item.LastActivityDate = parseAutotaskTime(it.LastActivityDate)
		out = append(out, item)
	}
	return out, nil
}

// parseAutotaskTime accepts RFC3339 and the zone-less form some entities return.
func parseAutotaskTime(v string) time.Time {
	if t, err := utils.ParseRFC3339(v); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", v); err == nil {
		return t
	}
	return time.Time{}
}
