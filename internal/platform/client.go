// Package platform is the authenticated client for the upstream platform REST
// API. Every call carries the mobile user's bearer token; account-scoped calls
// additionally carry the account header the API uses for tenant scoping.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"wellspring/session/internal/util"
)

const AccountHeader = "Wellspring-Account"

// fhirDatasetSuffix marks the meta tag carrying a subject's project id.
const fhirDatasetSuffix = "/fhir/dataset"

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

func New(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// NewWithHTTPClient is intended for tests that point at a local server.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.HTTPClient = hc
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.do(ctx, token, "", http.MethodGet, "/user", nil, &user); err != nil {
		return User{}, fmt.Errorf("fetch user: %w", err)
	}
	return user, nil
}

func (c *Client) ListAccounts(ctx context.Context, token string) ([]Account, error) {
	var payload struct {
		Items []Account `json:"items"`
	}
	if err := c.do(ctx, token, "", http.MethodGet, "/accounts", nil, &payload); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return payload.Items, nil
}

func (c *Client) ListProjects(ctx context.Context, token, accountID string) ([]Project, error) {
	var payload struct {
		Items []Project `json:"items"`
	}
	if err := c.do(ctx, token, accountID, http.MethodGet, "/projects", nil, &payload); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return payload.Items, nil
}

func (c *Client) GetProject(ctx context.Context, token, accountID, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, token, accountID, http.MethodGet, "/projects/"+projectID, nil, &project); err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return project, nil
}

// ListSubjects reads the user's patient records for the account and maps each
// to a subject. The project id rides in the FHIR meta tag whose system ends in
// /fhir/dataset; records without that tag are skipped.
func (c *Client) ListSubjects(ctx context.Context, token, accountID string) ([]Subject, error) {
	var bundle struct {
		Entry []struct {
			Resource struct {
				ID   string `json:"id"`
				Meta struct {
					Tag []struct {
						System string `json:"system"`
						Code   string `json:"code"`
					} `json:"tag"`
				} `json:"meta"`
				Name []struct {
					Text   string   `json:"text"`
					Given  []string `json:"given"`
					Family string   `json:"family"`
				} `json:"name"`
			} `json:"resource"`
		} `json:"entry"`
	}
	if err := c.do(ctx, token, accountID, http.MethodGet, "/fhir/dstu3/Patient/$me", nil, &bundle); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}

	var subjects []Subject
	for _, entry := range bundle.Entry {
		resource := entry.Resource
		projectID := ""
		for _, tag := range resource.Meta.Tag {
			if strings.HasSuffix(tag.System, fhirDatasetSuffix) {
				projectID = tag.Code
				break
			}
		}
		if projectID == "" {
			continue
		}
		name := ""
		if len(resource.Name) > 0 {
			name = resource.Name[0].Text
			if name == "" {
				name = strings.TrimSpace(strings.Join(resource.Name[0].Given, " ") + " " + resource.Name[0].Family)
			}
		}
		subjects = append(subjects, Subject{
			SubjectID: resource.ID,
			ProjectID: projectID,
			Name:      name,
		})
	}
	return subjects, nil
}

func (c *Client) AppConfig(ctx context.Context, token, accountID, projectID string) (AppConfig, error) {
	var raw json.RawMessage
	if err := c.do(ctx, token, accountID, http.MethodGet, "/projects/"+projectID+"/app-config", nil, &raw); err != nil {
		return nil, fmt.Errorf("get app config for %s: %w", projectID, err)
	}
	return AppConfig(raw), nil
}

func (c *Client) AcceptInvite(ctx context.Context, token, inviteID string) (AcceptedInvite, error) {
	body := map[string]string{"status": "ACCEPTED"}
	var accepted AcceptedInvite
	if err := c.do(ctx, token, "", http.MethodPatch, "/invitations/"+inviteID, body, &accepted); err != nil {
		return AcceptedInvite{}, fmt.Errorf("accept invite %s: %w", inviteID, err)
	}
	return accepted, nil
}

// RefreshToken re-mints the user's access token so claims added by an invite
// acceptance (new account membership) become visible.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, token, "", http.MethodPost, "/client-tokens", map[string]string{}, &payload); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return payload.Token, nil
}

func (c *Client) do(ctx context.Context, token, accountID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", util.NewID("req"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accountID != "" {
		req.Header.Set(AccountHeader, accountID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
