// Package upstream talks to the predictive-services API that produces runs,
// tile archives and statistics.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bcgov/asa-go/internal/offline/archive"
	"github.com/bcgov/asa-go/internal/offline/dataset"
	"github.com/bcgov/asa-go/internal/offline/run"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 512

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// NotFound reports whether the API had nothing for the request, which for run
// parameters means the run has not been produced yet.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Client calls the predictive-services API.
type Client struct {
	base   *url.URL
	client *http.Client
}

// NewClient returns a client rooted at baseURL. A nil httpClient uses
// http.DefaultClient; callers bound requests through their contexts.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: base, client: httpClient}, nil
}

// LatestRun returns the most recent run of runType covering forDate.
func (c *Client) LatestRun(ctx context.Context, runType run.Type, forDate run.Date) (run.Descriptor, error) {
	var desc run.Descriptor
	if err := c.getJSON(ctx, &desc, "sfms", "run-parameters", runType.String(), forDate.String()); err != nil {
		return run.Descriptor{}, err
	}
	if err := desc.Validate(); err != nil {
		return run.Descriptor{}, fmt.Errorf("latest %s run for %s: %w", runType, forDate, err)
	}
	return desc, nil
}

// FetchArchive downloads the HFI tile archive produced by desc. It implements
// archive.Fetcher.
func (c *Client) FetchArchive(ctx context.Context, desc run.Descriptor) ([]byte, error) {
	return c.fetchArchive(ctx, archive.DefaultFamily, desc)
}

// ArchiveFetcher returns a fetcher for archives of family, served under
// /<family>/pmtiles.
func (c *Client) ArchiveFetcher(family string) archive.Fetcher {
	if family == archive.DefaultFamily {
		return c
	}
	return archive.FetcherFunc(func(ctx context.Context, desc run.Descriptor) ([]byte, error) {
		return c.fetchArchive(ctx, family, desc)
	})
}

func (c *Client) fetchArchive(ctx context.Context, family string, desc run.Descriptor) ([]byte, error) {
	resp, err := c.get(ctx, family, "pmtiles", desc.RunType.String(), desc.RunDate().String(), desc.ForDate.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read archive body: %w", err)
	}
	return payload, nil
}

// FetchHFIStats downloads the per-zone HFI statistics produced by desc.
func (c *Client) FetchHFIStats(ctx context.Context, desc run.Descriptor) (dataset.HFIStats, error) {
	var body struct {
		ZoneData dataset.HFIStats `json:"zone_data"`
	}
	if err := c.getJSON(ctx, &body, "fba", "hfi-stats", desc.RunType.String(), desc.RunDate().String(), desc.ForDate.String()); err != nil {
		return nil, err
	}
	if body.ZoneData == nil {
		body.ZoneData = dataset.HFIStats{}
	}
	return body.ZoneData, nil
}

func (c *Client) getJSON(ctx context.Context, target any, segments ...string) error {
	resp, err := c.get(ctx, segments...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

// get issues a GET for the path built from segments. The caller closes the
// body of a successful response.
func (c *Client) get(ctx context.Context, segments ...string) (*http.Response, error) {
	for _, segment := range segments {
		if segment == "" {
			return nil, errors.New("empty path segment")
		}
	}
	endpoint := c.base.JoinPath(segments...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     http.MethodGet,
			URL:        endpoint.String(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
