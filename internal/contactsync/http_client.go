package contactsync

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
)

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPMessagingClient talks to a RapidPro-compatible messaging platform
// API. Rate limits and server errors are retried with exponential backoff.
type HTTPMessagingClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPMessagingClient(opts HTTPClientOptions) *HTTPMessagingClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPMessagingClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPMessagingClient) ListFields(ctx context.Context) ([]string, error) {
	var keys []string
	next := "/api/v2/fields.json"
	for next != "" {
		body, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Next    string `json:"next"`
			Results []struct {
				Key string `json:"key"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, err
		}
		for _, result := range page.Results {
			keys = append(keys, result.Key)
		}
		next = strings.TrimPrefix(page.Next, c.baseURL)
		if next == page.Next && page.Next != "" {
			// Absolute next link pointing elsewhere; follow it as given.
			next = page.Next
		}
	}
	return keys, nil
}

func (c *HTTPMessagingClient) CreateField(ctx context.Context, key, label string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/fields.json", map[string]string{
		"key":   key,
		"label": label,
	})
	return err
}

func (c *HTTPMessagingClient) UpdateContactFields(ctx context.Context, contactURN string, fields map[string]string) error {
	path := "/api/v2/contacts.json?urn=" + url.QueryEscape(contactURN)
	_, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"fields": fields,
	})
	return err
}

func (c *HTTPMessagingClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("messaging platform client is not configured")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	requestURL := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		requestURL = c.baseURL + path
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Token "+c.token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, attempt+1, ""); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := c.sleep(ctx, attempt+1, resp.Header.Get("Retry-After")); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, fmt.Errorf("messaging platform request failed: %s %s status=%d message=%s",
			method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *HTTPMessagingClient) sleep(ctx context.Context, attempt int, retryAfterHeader string) error {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			delay = time.Duration(seconds) * time.Second
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
