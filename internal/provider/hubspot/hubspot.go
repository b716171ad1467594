// Package hubspot adapts the HubSpot CRM v3 REST API to the provider
// contracts.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kalambet/contextsync/internal/provider"
)

const (
	DefaultBaseURL  = "https://api.hubapi.com"
	DefaultTokenURL = "https://api.hubapi.com/oauth/v1/token"

	defaultContactLimit = 100
	maxNotesPerContact  = 20
)

var contactProperties = []string{"email", "firstname", "lastname", "phone", "company", "notes_last_contacted"}

var _ provider.CRM = (*Client)(nil)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type objectResult struct {
	ID         string             `json:"id"`
	Properties map[string]*string `json:"properties"`
	CreatedAt  *time.Time         `json:"createdAt"`
}

type pageResponse struct {
	Results []objectResult `json:"results"`
}

func (c *Client) ListRecent(ctx context.Context, creds provider.Credentials, w provider.Window) ([]provider.Contact, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = defaultContactLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("properties", strings.Join(contactProperties, ","))

	var page pageResponse
	if err := c.do(ctx, creds, http.MethodGet, "/crm/v3/objects/contacts?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	contacts := make([]provider.Contact, 0, len(page.Results))
	for _, r := range page.Results {
		contacts = append(contacts, toContact(r))
	}
	return contacts, nil
}

func (c *Client) GetDetail(ctx context.Context, creds provider.Credentials, id string) (provider.Contact, error) {
	q := url.Values{}
	q.Set("properties", strings.Join(contactProperties, ","))

	var r objectResult
	if err := c.do(ctx, creds, http.MethodGet, "/crm/v3/objects/contacts/"+url.PathEscape(id)+"?"+q.Encode(), nil, &r); err != nil {
		return provider.Contact{}, fmt.Errorf("getting contact %s: %w", id, err)
	}
	return toContact(r), nil
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

// ListNotes returns the notes associated with a contact.
func (c *Client) ListNotes(ctx context.Context, creds provider.Credentials, contactID string) ([]provider.Note, error) {
	body := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{{
			PropertyName: "associations.contact",
			Operator:     "EQ",
			Value:        contactID,
		}}}},
		Properties: []string{"hs_note_body", "hs_createdate"},
		Limit:      maxNotesPerContact,
	}
	var page pageResponse
	if err := c.do(ctx, creds, http.MethodPost, "/crm/v3/objects/notes/search", body, &page); err != nil {
		return nil, fmt.Errorf("listing notes for contact %s: %w", contactID, err)
	}
	notes := make([]provider.Note, 0, len(page.Results))
	for _, r := range page.Results {
		n := provider.Note{ID: r.ID, Body: r.Properties["hs_note_body"], CreatedAt: r.CreatedAt}
		if v := r.Properties["hs_createdate"]; v != nil {
			if t, err := time.Parse(time.RFC3339, *v); err == nil {
				n.CreatedAt = &t
			}
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func toContact(r objectResult) provider.Contact {
	p := r.Properties
	return provider.Contact{
		ID:                 r.ID,
		FirstName:          p["firstname"],
		LastName:           p["lastname"],
		Email:              p["email"],
		Phone:              p["phone"],
		Company:            p["company"],
		LastContactedNotes: p["notes_last_contacted"],
	}
}

type errorBody struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

func (c *Client) do(ctx context.Context, creds provider.Credentials, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", provider.ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classify(status int, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", provider.ErrUnauthorized, msg)
	case status == http.StatusForbidden && eb.Category == "MISSING_SCOPES":
		return fmt.Errorf("%w: %s", provider.ErrNotProvisioned, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: http %d: %s", provider.ErrUnreachable, status, msg)
	}
	return fmt.Errorf("hubspot http %d: %s", status, msg)
}

// NewRefresher renews HubSpot access tokens. HubSpot expects the client
// credentials in the form body.
func NewRefresher(clientID, clientSecret, tokenURL string) provider.OAuthRefresher {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return provider.OAuthRefresher{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}}
}
