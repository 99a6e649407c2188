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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// ErrAlertNotFound is returned by GetAlert when Sophos affirms the alert no longer exists.
var ErrAlertNotFound = errors.New("sophos alert not found")

// ErrNotAuthenticated is returned when a call is made before Authenticate succeeds.
var ErrNotAuthenticated = errors.New("sophos client not authenticated")

const (
	sophosAlertPageLimit = 1000
	sophosMaxAlertPages  = 50
	sophosDevicePageSize = 500
	acknowledgeMessage   = "Acknowledged by Autotask Integration"
)

// SophosOptions configures SophosClient.
type SophosOptions struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	GlobalURL    string
	Timeout      time.Duration
}

// SophosClient talks to the Sophos Central partner, SIEM, endpoint and common APIs.
type SophosClient struct {
	opts      SophosOptions
	base      *http.Client
	authed    *http.Client
	partnerID string
	logger    *slog.Logger
}

// NewSophosClient constructs an unauthenticated client.
func NewSophosClient(opts SophosOptions, logger *slog.Logger) *SophosClient {
	if opts.TokenURL == "" {
		opts.TokenURL = "https://id.sophos.com/api/v2/oauth2/token"
	}
	if opts.GlobalURL == "" {
		opts.GlobalURL = "https://api.central.sophos.com"
	}
	opts.GlobalURL = strings.TrimRight(opts.GlobalURL, "/")
	return &SophosClient{
		opts:   opts,
		base:   &http.Client{Timeout: opts.Timeout},
		logger: utils.Component(logger, "sophos"),
	}
}

// Authenticate obtains a bearer token and resolves the partner id via whoami.
func (c *SophosClient) Authenticate(ctx context.Context) error {
	cc := clientcredentials.Config{
		ClientID:     c.opts.ClientID,
		ClientSecret: c.opts.ClientSecret,
		TokenURL:     c.opts.TokenURL,
		Scopes:       []string{"token"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
	src := cc.TokenSource(tokenCtx)
	tok, err := src.Token()
	if err != nil {
		return utils.NewAppError("sophos.token", "client credentials exchange failed", err)
	}
	hc := oauth2.NewClient(tokenCtx, oauth2.ReuseTokenSource(tok, src))
	hc.Timeout = c.opts.Timeout
	c.authed = hc

	var whoami struct {
		ID       string `json:"id"`
		IDType   string `json:"idType"`
		APIHosts struct {
			Global string `json:"global"`
		} `json:"apiHosts"`
	}
	if err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: c.opts.GlobalURL + "/whoami/v1", retry: true}, &whoami); err != nil {
		c.authed = nil
		return utils.NewAppError("sophos.whoami", "resolve partner id", err)
	}
	if whoami.ID == "" {
		c.authed = nil
		return utils.NewAppError("sophos.whoami", "empty partner id", nil)
	}
	c.partnerID = whoami.ID
	c.logger.Debug("authenticated", slog.String("partner_id", whoami.ID), slog.String("id_type", whoami.IDType))
	return nil
}

type sophosTenant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DataRegion string `json:"dataRegion"`
	APIHost    string `json:"apiHost"`
	Status     string `json:"status"`
}

// ListTenants returns every tenant under the partner, walking all pages.
func (c *SophosClient) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	if c.authed == nil {
		return nil, ErrNotAuthenticated
	}
	header := http.Header{"X-Partner-ID": []string{c.partnerID}}
	endpoint := c.opts.GlobalURL + "/partner/v1/tenants"

	var page struct {
		Pages struct {
			Current int `json:"current"`
			Total   int `json:"total"`
		} `json:"pages"`
		Items []sophosTenant `json:"items"`
	}
	if err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: endpoint + "?pageTotal=true", header: header, retry: true}, &page); err != nil {
		return nil, utils.NewAppError("sophos.tenants", "list tenants", err)
	}
	items := page.Items
	for p := 2; p <= page.Pages.Total; p++ {
		page.Items = nil
		u := endpoint + "?page=" + strconv.Itoa(p)
		if err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: u, header: header, retry: true}, &page); err != nil {
			return nil, utils.NewAppError("sophos.tenants", fmt.Sprintf("list tenants page %d", p), err)
		}
		items = append(items, page.Items...)
	}

	tenants := make([]models.Tenant, 0, len(items))
	for _, t := range items {
		tenants = append(tenants, models.Tenant{
			ID:         t.ID,
			Name:       t.Name,
			Status:     t.Status,
			DataRegion: t.DataRegion,
			APIHost:    strings.TrimRight(t.APIHost, "/"),
		})
	}
	return tenants, nil
}

type sophosAlert struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Location    string `json:"location"`
	When        string `json:"when"`
	Data        struct {
		EndpointID string `json:"endpoint_id"`
		SourceInfo struct {
			IP string `json:"ip"`
		} `json:"source_info"`
	} `json:"data"`
}

// ListAlerts fetches SIEM alerts for a tenant raised after since. A nil since
// leaves the window to the API default.
func (c *SophosClient) ListAlerts(ctx context.Context, tenant models.Tenant, since *time.Time) ([]models.Alert, error) {
	if c.authed == nil {
		return nil, ErrNotAuthenticated
	}
	header := http.Header{"X-Tenant-ID": []string{tenant.ID}}
	base := regionHost(tenant) + "/siem/v1/alerts"

	params := url.Values{}
	params.Set("limit", strconv.Itoa(sophosAlertPageLimit))
	if since != nil {
		params.Set("from_date", strconv.FormatInt(since.Unix(), 10))
	}

	var alerts []models.Alert
	for page := 0; page < sophosMaxAlertPages; page++ {
		var resp struct {
			HasMore    bool          `json:"has_more"`
			NextCursor string        `json:"next_cursor"`
			Items      []sophosAlert `json:"items"`
		}
		if err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: base + "?" + params.Encode(), header: header, retry: true}, &resp); err != nil {
			return nil, utils.NewAppError("sophos.alerts", "list alerts for tenant "+tenant.ID, err)
		}
		for _, item := range resp.Items {
			alerts = append(alerts, toAlert(item, tenant.ID))
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return alerts, nil
		}
		params.Del("from_date")
		params.Set("cursor", resp.NextCursor)
	}
	c.logger.Warn("alert pagination truncated", slog.String("tenant_id", tenant.ID), slog.Int("alerts", len(alerts)))
	return alerts, nil
}

func toAlert(item sophosAlert, tenantID string) models.Alert {
	a := models.Alert{
		ID:          item.ID,
		TenantID:    item.CustomerID,
		Severity:    models.Severity(strings.ToLower(item.Severity)),
		Type:        item.Type,
		Description: item.Description,
		Location:    item.Location,
		Data: models.AlertData{
			EndpointID: item.Data.EndpointID,
			SourceIP:   item.Data.SourceInfo.IP,
		},
	}
	if a.TenantID == "" {
		a.TenantID = tenantID
	}
	if when, err := utils.ParseRFC3339(item.When); err == nil {
		a.When = when
	}
	return a
}

// ListDevices returns endpoint records for the given ids.
func (c *SophosClient) ListDevices(ctx context.Context, tenant models.Tenant, ids []string) ([]models.Device, error) {
	if c.authed == nil {
		return nil, ErrNotAuthenticated
	}
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(sophosDevicePageSize))
	for _, id := range ids {
		params.Add("ids", id)
	}

	var resp struct {
		Items []struct {
			ID               string   `json:"id"`
			Hostname         string   `json:"hostname"`
			MACAddresses     []string `json:"macAddresses"`
			IPv4Addresses    []string `json:"ipv4Addresses"`
			LastSeenAt       string   `json:"lastSeenAt"`
			AssociatedPerson struct {
				ViaLogin string `json:"viaLogin"`
			} `json:"associatedPerson"`
		} `json:"items"`
	}
	header := http.Header{"X-Tenant-ID": []string{tenant.ID}}
	u := tenantHost(tenant) + "/endpoint/v1/endpoints?" + params.Encode()
	if err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: u, header: header, retry: true}, &resp); err != nil {
		return nil, utils.NewAppError("sophos.endpoints", "list devices for tenant "+tenant.ID, err)
	}

	devices := make([]models.Device, 0, len(resp.Items))
	for _, item := range resp.Items {
		d := models.Device{
			ID:            item.ID,
			Hostname:      item.Hostname,
			MACAddresses:  item.MACAddresses,
			IPv4Addresses: item.IPv4Addresses,
			LastUser:      item.AssociatedPerson.ViaLogin,
		}
		if seen, err := utils.ParseRFC3339(item.LastSeenAt); err == nil {
			d.LastSeenAt = seen
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// GetAlert checks whether the alert still exists. It returns ErrAlertNotFound
// only on an affirmative not-found; every other failure is returned as is.
func (c *SophosClient) GetAlert(ctx context.Context, tenant models.Tenant, alertID string) error {
	if c.authed == nil {
		return ErrNotAuthenticated
	}
	var resp struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	header := http.Header{"X-Tenant-ID": []string{tenant.ID}}
	u := regionHost(tenant) + "/common/v1/alerts/" + url.PathEscape(alertID)
	err := doJSON(ctx, c.authed, request{method: http.MethodGet, url: u, header: header, retry: true}, &resp)
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return ErrAlertNotFound
		}
		return utils.NewAppError("sophos.alert", "get alert "+alertID, err)
	}
	if resp.Error == "resourceNotFound" {
		return ErrAlertNotFound
	}
	return nil
}

// AcknowledgeAlert marks the alert acknowledged in Sophos Central.
func (c *SophosClient) AcknowledgeAlert(ctx context.Context, tenant models.Tenant, alertID string) error {
	if c.authed == nil {
		return ErrNotAuthenticated
	}
	body := map[string]string{
		"action":  "acknowledge",
		"message": acknowledgeMessage,
	}
	header := http.Header{"X-Tenant-ID": []string{tenant.ID}}
	u := regionHost(tenant) + "/common/v1/alerts/" + url.PathEscape(alertID) + "/actions"
	if err := doJSON(ctx, c.authed, request{method: http.MethodPost, url: u, header: header, body: body}, nil); err != nil {
		return utils.NewAppError("sophos.acknowledge", "acknowledge alert "+alertID, err)
	}
	return nil
}

// regionHost builds the data-region API host used by the SIEM and common APIs.
func regionHost(t models.Tenant) string {
	if t.DataRegion != "" {
		return "https://api-" + t.DataRegion + ".central.sophos.com"
	}
	return t.APIHost
}

func tenantHost(t models.Tenant) string {
	if t.APIHost != "" {
		return t.APIHost
	}
	return regionHost(t)
}
