package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// apiVersion is the GitHub REST API version header. Pinning it keeps
	// response shapes stable as GitHub evolves the API.
	apiVersion = "2022-11-28"

	// defaultBaseURL is the base URL of the public GitHub API.
	defaultBaseURL = "https://api.github.com"

	// defaultRawBaseURL is where raw repository files are served from.
	defaultRawBaseURL = "https://raw.githubusercontent.com"

	// maxResponseSize caps metadata responses. Release listings are small;
	// anything larger indicates a misbehaving endpoint.
	maxResponseSize = 8 << 20

	// defaultTimeout bounds a single metadata request.
	defaultTimeout = 30 * time.Second
)

// Config holds the parameters for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests.
	// Defaults to the public GitHub API.
	BaseURL string
	// RawBaseURL is the root URL raw repository files are served from.
	RawBaseURL string
	// Token is an optional personal access token. Empty means
	// unauthenticated access.
	Token string
	// HTTPClient is used for all requests. Defaults to a client with a
	// request timeout.
	HTTPClient *http.Client
}

// Client is a typed GitHub REST API client.
type Client struct {
	baseURL    string
	rawBaseURL string
	token      string
	httpClient *http.Client
}

// NewClient creates a GitHub API client from the provided configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rawBaseURL := strings.TrimRight(cfg.RawBaseURL, "/")
	if rawBaseURL == "" {
		rawBaseURL = defaultRawBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL:    baseURL,
		rawBaseURL: rawBaseURL,
		token:      cfg.Token,
		httpClient: httpClient,
	}
}

// LatestRelease fetches the latest published, non-prerelease release.
func (c *Client) LatestRelease(ctx context.Context, owner, repo string) (*Release, error) {
	var release Release

	path := fmt.Sprintf("/repos/%s/%s/releases/latest", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, path, &release); err != nil {
		return nil, err
	}

	return &release, nil
}

// ReleaseByTag fetches the release published under the exact tag.
func (c *Client) ReleaseByTag(ctx context.Context, owner, repo, tag string) (*Release, error) {
	var release Release

	path := fmt.Sprintf("/repos/%s/%s/releases/tags/%s",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(tag))
	if err := c.get(ctx, path, &release); err != nil {
		return nil, err
	}

	return &release, nil
}

// Repository fetches repository metadata, notably the default branch.
func (c *Client) Repository(ctx context.Context, owner, repo string) (*Repository, error) {
	var repository Repository

	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, path, &repository); err != nil {
		return nil, err
	}

	return &repository, nil
}

// RawFileURL returns the download location of a file on the given branch.
func (c *Client) RawFileURL(owner, repo, branch, filePath string) string {
	segments := []string{url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(branch)}
	for _, segment := range strings.Split(strings.Trim(filePath, "/"), "/") {
		segments = append(segments, url.PathEscape(segment))
	}

	return c.rawBaseURL + "/" + strings.Join(segments, "/")
}

// get executes an authenticated GET request against the API and decodes
// the JSON response into result. Non-2xx responses become an *APIError.
func (c *Client) get(ctx context.Context, path string, result any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}

	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)

	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("github: GET %s: %w", path, err)
	}
	defer response.Body.Close()

	// Cap the read so a misbehaving endpoint cannot exhaust memory.
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, body)
	}

	if err = json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("github: decode response: %w", err)
	}

	return nil
}

// parseAPIError parses a GitHub API error from a status code and body.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}

	var wireError struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}

	if json.Unmarshal(body, &wireError) == nil && wireError.Message != "" {
		apiErr.Message = wireError.Message
		apiErr.DocumentationURL = wireError.DocumentationURL
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
