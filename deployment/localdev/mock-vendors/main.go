// Command mock-vendors serves just enough of the Sophos Central and Autotask
// REST APIs to run alert-sync locally. Point the config at it with
//
//	sophos.tokenURL:  http://localhost:8081/api/v2/oauth2/token
//	sophos.globalURL: http://localhost:8081
//	autotask.baseURL: http://localhost:8081/atservicesrest
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const addr = ":8081"

type alert struct {
	ID          string         `json:"id"`
	CustomerID  string         `json:"customer_id"`
	Severity    string         `json:"severity"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Location    string         `json:"location"`
	When        time.Time      `json:"when"`
	Data        map[string]any `json:"data"`
}

type ticket struct {
	ID                 int64  `json:"id"`
	CompanyID          int64  `json:"companyID"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	Status             int    `json:"status"`
	CreateDate         string `json:"createDate"`
	AssignedResourceID *int64 `json:"assignedResourceID"`
	CompletedDate      string `json:"completedDate,omitempty"`
}

type filter struct {
	Op    string   `json:"op"`
	Field string   `json:"field"`
	Value any      `json:"value"`
	Items []filter `json:"items"`
}

type state struct {
	mu      sync.Mutex
	alerts  map[string]alert
	tickets []ticket
	nextID  int64
}

func main() {
	host := "http://localhost" + addr
	s := &state{alerts: map[string]alert{}, nextID: 5000}
	for _, a := range []alert{
		{Severity: "high", Type: "Event::Endpoint::Threat::Detected", Description: "Malware detected: 'EICAR-AV-Test'", Location: "DESKTOP-01"},
		{Severity: "medium", Type: "Event::Endpoint::OutOfDate", Description: "Endpoint protection out of date", Location: "LAPTOP-07"},
	} {
		a.ID = uuid.NewString()
		a.CustomerID = "tenant-1"
		a.When = time.Now().Add(-5 * time.Minute)
		a.Data = map[string]any{"endpoint_id": "ep-" + strings.ToLower(a.Location)}
		s.alerts[a.ID] = a
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Sophos Central
	mux.HandleFunc("POST /api/v2/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"access_token": "local-token", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("GET /whoami/v1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "partner-1", "idType": "partner", "apiHosts": map[string]string{"global": host}})
	})
	mux.HandleFunc("GET /partner/v1/tenants", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"pages": map[string]int{"current": 1, "total": 1},
			"items": []map[string]string{{"id": "tenant-1", "name": "Acme Corp", "apiHost": host, "status": "active"}},
		})
	})
	mux.HandleFunc("GET /siem/v1/alerts", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		items := make([]alert, 0, len(s.alerts))
		for _, a := range s.alerts {
			items = append(items, a)
		}
		writeJSON(w, map[string]any{"has_more": false, "items": items})
	})
	mux.HandleFunc("GET /common/v1/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_, ok := s.alerts[r.PathValue("id")]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"error": "resourceNotFound"})
			return
		}
		writeJSON(w, map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /common/v1/alerts/{id}/actions", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delete(s.alerts, r.PathValue("id"))
		s.mu.Unlock()
		writeJSON(w, map[string]string{"result": "success"})
	})
	mux.HandleFunc("GET /endpoint/v1/endpoints", func(w http.ResponseWriter, r *http.Request) {
		var items []map[string]any
		for _, id := range r.URL.Query()["ids"] {
			items = append(items, map[string]any{
				"id":            id,
				"hostname":      strings.ToUpper(strings.TrimPrefix(id, "ep-")),
				"macAddresses":  []string{"00:11:22:33:44:55"},
				"ipv4Addresses": []string{"10.0.0.10"},
			})
		}
		writeJSON(w, map[string]any{"items": items})
	})

	// Autotask
	at := "/atservicesrest/V1.0/"
	mux.HandleFunc("GET /atservicesrest/v1.0/zoneInformation", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"zoneName": "Local", "url": host + "/atservicesrest/"})
	})
	mux.HandleFunc("GET "+at+"Companies/entityInformation", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Secret") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"info": map[string]any{"name": "Company", "canQuery": true}})
	})
	mux.HandleFunc("POST "+at+"Tickets/query", func(w http.ResponseWriter, r *http.Request) {
		var q struct {
			Filter []filter `json:"filter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		items := []ticket{}
		for _, t := range s.tickets {
			if matchAll(q.Filter, t) {
				items = append(items, t)
			}
		}
		writeJSON(w, map[string]any{"items": items, "pageDetails": map[string]any{"count": len(items)}})
	})
	mux.HandleFunc("POST "+at+"Tickets", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CompanyID   int64  `json:"CompanyID"`
			Title       string `json:"Title"`
			Description string `json:"Description"`
			Status      int    `json:"Status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.tickets = append(s.tickets, ticket{
			ID: id, CompanyID: body.CompanyID, Title: body.Title, Description: body.Description,
			Status: body.Status, CreateDate: time.Now().UTC().Format(time.RFC3339),
		})
		s.mu.Unlock()
		writeJSON(w, map[string]int64{"itemId": id})
	})
	mux.HandleFunc("PATCH "+at+"Tickets", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID     int64 `json:"id"`
			Status int   `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.tickets {
			if s.tickets[i].ID != body.ID {
				continue
			}
			s.tickets[i].Status = body.Status
			if body.Status == 5 {
				s.tickets[i].CompletedDate = time.Now().UTC().Format(time.RFC3339)
			}
			writeJSON(w, map[string]int64{"itemId": body.ID})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST "+at+"Tickets/{id}/Notes", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		writeJSON(w, map[string]int64{"itemId": id*10 + 1})
	})
	mux.HandleFunc("POST "+at+"CompanyLocations/query", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"items": []map[string]any{{"id": 11, "isActive": true, "isPrimary": true}}})
	})
	mux.HandleFunc("POST "+at+"Contracts/query", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"items": []map[string]any{{"id": 21, "isDefaultContract": true}}})
	})
	mux.HandleFunc("POST "+at+"ConfigurationItems/query", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"items": []map[string]any{{
			"id": 31, "referenceTitle": "DESKTOP-01", "rmmDeviceAuditMacAddress": "[00:11:22:33:44:55]",
		}}})
	})

	logger := log.New(log.Writer(), "vendor-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// matchAll evaluates the subset of Autotask query operators alert-sync sends.
func matchAll(filters []filter, t ticket) bool {
	for _, f := range filters {
		if !match(f, t) {
			return false
		}
	}
	return true
}

func match(f filter, t ticket) bool {
	str, _ := f.Value.(string)
	switch f.Op {
	case "and":
		return matchAll(f.Items, t)
	case "eq":
		n, _ := f.Value.(float64)
		return strings.EqualFold(f.Field, "CompanyID") && t.CompanyID == int64(n)
	case "beginsWith":
		return strings.HasPrefix(t.Title, str)
	case "contains":
		return strings.Contains(t.Description, str)
	case "notExist":
		return t.CompletedDate == ""
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
