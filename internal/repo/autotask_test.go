package repo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertsync/sophos-autotask/internal/cache"
	"github.com/alertsync/sophos-autotask/internal/models"
)

const testAutotaskBase = "https://webservices5.autotask.test/ATServicesRest/V1.0"

func newAutotaskWithMock(t *testing.T, provider cache.Provider) (*AutotaskClient, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	client := NewAutotaskClient(AutotaskOptions{
		Username:        "api@acme.test",
		Secret:          "s3cret",
		IntegrationCode: "INTEGRATION",
		BaseURL:         "https://webservices5.autotask.test/ATServicesRest/",
		Timeout:         time.Second,
		CacheTTL:        time.Minute,
	}, provider, discardLogger())
	client.httpClient.Transport = mock
	return client, mock
}

func decodeBody(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	return body
}

func TestAutotaskVerifyDiscoversZone(t *testing.T) {
	mock := httpmock.NewMockTransport()
	client := NewAutotaskClient(AutotaskOptions{
		Username:        "api@acme.test",
		Secret:          "s3cret",
		IntegrationCode: "INTEGRATION",
		ZoneLookupURL:   "https://webservices.autotask.test/atservicesrest/v1.0/zoneInformation",
		Timeout:         time.Second,
	}, nil, discardLogger())
	client.httpClient.Transport = mock

	mock.RegisterResponderWithQuery(http.MethodGet, "https://webservices.autotask.test/atservicesrest/v1.0/zoneInformation", "user=api%40acme.test",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]string{"zoneName": "America East 3", "url": "https://webservices5.autotask.test/ATServicesRest/"}))
	mock.RegisterResponder(http.MethodGet, testAutotaskBase+"/Companies/entityInformation",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "INTEGRATION", req.Header.Get("ApiIntegrationcode"))
			assert.Equal(t, "api@acme.test", req.Header.Get("UserName"))
			assert.Equal(t, "s3cret", req.Header.Get("Secret"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"info": map[string]bool{"canQuery": true}})
		})

	require.NoError(t, client.Verify(context.Background()))
	assert.Equal(t, testAutotaskBase, client.baseURL)
}

func TestAutotaskVerifyUnauthorized(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	mock.RegisterResponder(http.MethodGet, testAutotaskBase+"/Companies/entityInformation",
		httpmock.NewStringResponder(http.StatusUnauthorized, ""))

	err := client.Verify(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Contains(t, err.Error(), "API key unauthorized")
}

func TestAutotaskSearchOpenTicketsBuildsFingerprintFilter(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)

	var filterBody map[string]any
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Tickets/query",
		func(req *http.Request) (*http.Response, error) {
			filterBody = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"id": 501, "companyID": 1234, "title": `Sophos Alert: "Malware" on "HOST1"`,
					"description": "Malware \nDevice: HOST1", "status": 1, "createDate": "2024-03-05T14:30:00.000Z",
					"assignedResourceID": 29, "userDefinedFields": []map[string]string{{"name": "Sophos Alert ID", "value": "a-1"}},
				}},
				"pageDetails": map[string]any{"count": 1, "nextPageUrl": testAutotaskBase + "/Tickets/query/next?paging=abc"},
			})
		})
	mock.RegisterResponder(http.MethodGet, testAutotaskBase+"/Tickets/query/next",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"items":       []map[string]any{{"id": 502, "companyID": 1234, "createDate": "2024-03-06T08:00:00.000"}},
			"pageDetails": map[string]any{"count": 1, "nextPageUrl": nil},
		}))

	tickets, err := client.SearchOpenTickets(context.Background(), models.TicketQuery{
		CompanyID:        1234,
		TitlePrefix:      "Sophos Alert: ",
		Device:           "HOST1",
		EventType:        "Event::Endpoint::Threat::Detected",
		CorrelationField: "Sophos Alert ID",
	})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "a-1", tickets[0].CorrelationID)
	require.NotNil(t, tickets[0].AssignedResourceID)
	assert.Equal(t, int64(29), *tickets[0].AssignedResourceID)
	assert.Equal(t, 6, tickets[1].CreateDate.Day())

	root := filterBody["filter"].([]any)[0].(map[string]any)
	assert.Equal(t, "and", root["op"])
	items := root["items"].([]any)
	require.Len(t, items, 6)
	assert.Equal(t, map[string]any{"op": "eq", "field": "CompanyID", "value": float64(1234)}, items[0])
	assert.Equal(t, map[string]any{"op": "beginsWith", "field": "title", "value": "Sophos Alert: "}, items[1])
	assert.Equal(t, map[string]any{"op": "contains", "field": "description", "value": "Device: HOST1"}, items[2])
	assert.Equal(t, map[string]any{"op": "contains", "field": "description", "value": "Event Type: Event::Endpoint::Threat::Detected"}, items[3])
	assert.Equal(t, map[string]any{"op": "notExist", "field": "CompletedByResourceID"}, items[4])
	assert.Equal(t, map[string]any{"op": "notExist", "field": "CompletedDate"}, items[5])
}

func TestAutotaskSearchOmitsZeroCompany(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	var filterBody map[string]any
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Tickets/query",
		func(req *http.Request) (*http.Response, error) {
			filterBody = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"items": []any{}})
		})

	_, err := client.SearchOpenTickets(context.Background(), models.TicketQuery{TitlePrefix: "Sophos Alert: "})
	require.NoError(t, err)
	items := filterBody["filter"].([]any)[0].(map[string]any)["items"].([]any)
	assert.Len(t, items, 3)
}

func TestAutotaskCreateTicketNotRetried(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Tickets", httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := client.CreateTicket(context.Background(), models.NewTicket{CompanyID: 1, Title: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestAutotaskCreateTicketPayload(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	var body map[string]any
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Tickets",
		func(req *http.Request) (*http.Response, error) {
			body = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]int64{"itemId": 9001})
		})

	ci := int64(77)
	id, err := client.CreateTicket(context.Background(), models.NewTicket{
		CompanyID:           1234,
		CompanyLocationID:   10,
		Priority:            2,
		Status:              models.TicketStatusNew,
		QueueID:             29683,
		ConfigurationItemID: &ci,
		Title:               `Sophos Alert: "x"`,
		Description:         "x",
		CorrelationField:    "Sophos Alert ID",
		CorrelationID:       "a-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9001), id)
	assert.Equal(t, float64(77), body["ConfigurationItemID"])
	assert.Nil(t, body["ContractID"])
	assert.Equal(t, []any{map[string]any{"name": "Sophos Alert ID", "value": "a-1"}}, body["UserDefinedFields"])
}

func TestAutotaskNoteAndStatus(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	var note, patch map[string]any
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Tickets/501/Notes",
		func(req *http.Request) (*http.Response, error) {
			note = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]int{"itemId": 1})
		})
	mock.RegisterResponder(http.MethodPatch, testAutotaskBase+"/Tickets",
		func(req *http.Request) (*http.Response, error) {
			patch = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]int{"itemId": 501})
		})

	ctx := context.Background()
	require.NoError(t, client.AddNote(ctx, 501, models.TicketNote{Title: "New Alert", Description: "body"}))
	require.NoError(t, client.UpdateTicketStatus(ctx, 501, models.TicketStatusComplete))

	assert.Equal(t, float64(501), note["TicketID"])
	assert.Equal(t, float64(1), note["NoteType"])
	assert.Equal(t, float64(1), note["Publish"])
	assert.Equal(t, map[string]any{"id": float64(501), "status": float64(5)}, patch)
}

func TestAutotaskStatusUpdateRetriedOnce(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	calls := 0
	mock.RegisterResponder(http.MethodPatch, testAutotaskBase+"/Tickets",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]int{"itemId": 7})
		})

	require.NoError(t, client.UpdateTicketStatus(context.Background(), 7, models.TicketStatusComplete))
	assert.Equal(t, 2, calls)

	mock.RegisterResponder(http.MethodPatch, testAutotaskBase+"/Tickets",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))
	mock.ZeroCallCounters()
	require.Error(t, client.UpdateTicketStatus(context.Background(), 7, models.TicketStatusComplete))
	assert.Equal(t, 2, mock.GetTotalCallCount())
}

func TestAutotaskPrimaryLocationCached(t *testing.T) {
	client, mock := newAutotaskWithMock(t, cache.NewMemoryProvider(time.Minute))
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/CompanyLocations/query",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"items": []map[string]any{
			{"id": 1, "isActive": false, "isPrimary": true},
			{"id": 2, "isActive": true, "isPrimary": false},
			{"id": 3, "isActive": true, "isPrimary": true},
		}}))

	for i := 0; i < 2; i++ {
		id, found, err := client.PrimaryLocation(context.Background(), 1234)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(3), id)
	}
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestPickLocation(t *testing.T) {
	cases := []struct {
		name   string
		in     []models.Location
		wantID int64
		found  bool
	}{
		{"primary active", []models.Location{{ID: 1, IsActive: true}, {ID: 2, IsActive: true, IsPrimary: true}}, 2, true},
		{"first active fallback", []models.Location{{ID: 1, IsPrimary: true}, {ID: 2, IsActive: true}, {ID: 3, IsActive: true}}, 2, true},
		{"none active", []models.Location{{ID: 1}}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := pickLocation(tc.in)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.wantID, got.ID)
		})
	}
}

func TestAutotaskDefaultContract(t *testing.T) {
	client, mock := newAutotaskWithMock(t, cache.NewMemoryProvider(time.Minute))
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/Contracts/query",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"items": []any{}}))

	_, found, err := client.DefaultContract(context.Background(), 1234)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = client.DefaultContract(context.Background(), 1234)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, mock.GetTotalCallCount(), "negative lookups are cached too")
}

func TestAutotaskFindConfigurationItems(t *testing.T) {
	client, mock := newAutotaskWithMock(t, nil)
	var body map[string]any
	mock.RegisterResponder(http.MethodPost, testAutotaskBase+"/ConfigurationItems/query",
		func(req *http.Request) (*http.Response, error) {
			body = decodeBody(t, req)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"items": []map[string]any{{
				"id": 77, "referenceTitle": "HOST1", "rmmDeviceAuditMacAddress": "[00:11:22:33:44:55, 66:77:88:99:AA:BB]",
				"rmmDeviceAuditLastUser": "ACME\\jdoe", "rmmDeviceAuditIPAddress": "10.0.0.5", "lastActivityDate": "2024-03-01T00:00:00Z",
			}}})
		})

	items, err := client.FindConfigurationItems(context.Background(), 1234, "HOST1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(77), items[0].ID)
	assert.Equal(t, "10.0.0.5", items[0].AuditIPAddress)

	and := body["filter"].([]any)[0].(map[string]any)["items"].([]any)
	or := and[1].(map[string]any)
	assert.Equal(t, "or", or["op"])
	assert.Len(t, or["items"], 4)
}
