package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Address is a mailbox on the email API.
type Address struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

// EmailAPIOptions configures EmailAPI.
type EmailAPIOptions struct {
	Endpoint string
	APIKey   string
	From     Address
	To       Address
	Timeout  time.Duration
}

// EmailAPI posts messages to a transactional email HTTP endpoint.
type EmailAPI struct {
	opts       EmailAPIOptions
	httpClient *http.Client
}

// NewEmailAPI constructs an EmailAPI notifier.
func NewEmailAPI(opts EmailAPIOptions) *EmailAPI {
	return &EmailAPI{opts: opts, httpClient: &http.Client{Timeout: opts.Timeout}}
}

type emailMessage struct {
	From        Address   `json:"From"`
	To          []Address `json:"To"`
	Subject     string    `json:"Subject"`
	HTMLContent string    `json:"HTMLContent"`
}

// Notify sends one message. It is not retried.
func (e *EmailAPI) Notify(ctx context.Context, subject, htmlBody string) error {
	if e.opts.Endpoint == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(emailMessage{
		From:        e.opts.From,
		To:          []Address{e.opts.To},
		Subject:     subject,
		HTMLContent: htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.opts.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("email API returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
