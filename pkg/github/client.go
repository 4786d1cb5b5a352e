package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

//go:generate mockgen -destination=mocks/http_doer_mock.go -package=mocks github.com/user/release-sessions/pkg/github HTTPDoer

var ErrNotFound = errors.New("not found")

const comparePageSize = 100

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	token      string
	httpClient HTTPDoer
	baseURL    string
}

func NewClient(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{},
		baseURL:    "https://api.github.com",
	}
}

func NewClientWithHTTP(token string, httpClient HTTPDoer) *Client {
	return &Client{
		token:      token,
		httpClient: httpClient,
		baseURL:    "https://api.github.com",
	}
}

// CompareBranches compares base...head and pages through every commit of the
// range. Files come from the first page, as GitHub only lists them there.
func (c *Client) CompareBranches(ctx context.Context, owner, repo, base, head string) (*CompareResult, error) {
	var result *CompareResult
	page := 1

	for {
		var pageResult CompareResult
		u := fmt.Sprintf("%s/repos/%s/%s/compare/%s...%s?per_page=%d&page=%d",
			c.baseURL, owner, repo, url.PathEscape(base), url.PathEscape(head), comparePageSize, page)
		if err := c.getJSON(ctx, u, &pageResult); err != nil {
			return nil, err
		}

		if result == nil {
			result = &pageResult
		} else {
			result.Commits = append(result.Commits, pageResult.Commits...)
		}

		if len(pageResult.Commits) < comparePageSize || len(result.Commits) >= result.TotalCommits {
			break
		}
		page++
	}

	return result, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GitHub API: %w", ErrNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GitHub API error: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
