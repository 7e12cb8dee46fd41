package tool

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

// Options configures builtin tool registration
type Options struct {
	// HTTPClient is shared by the network-backed tools. Defaults to a
	// client with a 15s timeout.
	HTTPClient *http.Client

	// SearchEndpoint overrides the web_search backend (tests point this at
	// a local httptest server).
	SearchEndpoint string
}

const defaultSearchEndpoint = "https://api.duckduckgo.com/"

// RegisterBuiltins registers the baseline capability set: web_search,
// http_fetch and clock.
func RegisterBuiltins(reg *Registry, opts Options) error {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.SearchEndpoint == "" {
		opts.SearchEndpoint = defaultSearchEndpoint
	}

	defs := []Definition{
		webSearchTool(opts),
		httpFetchTool(opts),
		clockTool(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", def.Name, err)
		}
	}
	return nil
}

func webSearchTool(opts Options) Definition {
	return Definition{
		Name:        "web_search",
		Description: "Search the internet for current information, news or facts. Use this for up-to-date information outside the model's knowledge.",
		Enabled:     true,
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "The search query", Required: true},
			{Name: "max_results", Type: "integer", Description: "Maximum number of results", Default: 5},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			maxResults := intArg(args, "max_results", 5)

			u, err := url.Parse(opts.SearchEndpoint)
			if err != nil {
				return nil, fmt.Errorf("invalid search endpoint: %w", err)
			}
			q := u.Query()
			q.Set("q", query)
			q.Set("format", "json")
			q.Set("no_html", "1")
			u.RawQuery = q.Encode()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("search request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
			}

			var payload struct {
				AbstractText  string `json:"AbstractText"`
				AbstractURL   string `json:"AbstractURL"`
				RelatedTopics []struct {
					Text     string `json:"Text"`
					FirstURL string `json:"FirstURL"`
				} `json:"RelatedTopics"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return nil, fmt.Errorf("failed to decode search response: %w", err)
			}

			type searchResult struct {
				Text string `json:"text"`
				URL  string `json:"url,omitempty"`
			}
			var results []searchResult
			if payload.AbstractText != "" {
				results = append(results, searchResult{Text: payload.AbstractText, URL: payload.AbstractURL})
			}
			for _, topic := range payload.RelatedTopics {
				if len(results) >= maxResults {
					break
				}
				if topic.Text != "" {
					results = append(results, searchResult{Text: topic.Text, URL: topic.FirstURL})
				}
			}

			return map[string]interface{}{
				"query":   query,
				"results": results,
				"count":   len(results),
			}, nil
		},
	}
}

func httpFetchTool(opts Options) Definition {
	return Definition{
		Name:        "http_fetch",
		Description: "Make an HTTP request to an external API or URL and return the response body. Use this to fetch real-time data.",
		Enabled:     true,
		Parameters: []Parameter{
			{Name: "url", Type: "string", Description: "The URL to fetch", Required: true},
			{Name: "method", Type: "string", Description: "HTTP method", Enum: []string{"GET", "POST"}, Default: "GET"},
			{Name: "body", Type: "string", Description: "Request body for POST requests"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			rawURL, _ := args["url"].(string)
			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			parsed, err := url.Parse(rawURL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return nil, fmt.Errorf("invalid url: %q", rawURL)
			}

			var body io.Reader
			if raw, ok := args["body"].(string); ok && raw != "" {
				body = strings.NewReader(raw)
			}

			req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
			if err != nil {
				return nil, err
			}
			if method == http.MethodPost {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes*4))
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}

			return map[string]interface{}{
				"status": resp.StatusCode,
				"body":   string(data),
			}, nil
		},
	}
}

func clockTool() Definition {
	return Definition{
		Name:        "clock",
		Description: "Return the current date and time in UTC.",
		Enabled:     true,
		Parameters:  []Parameter{},
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			now := time.Now().UTC()
			return map[string]interface{}{
				"iso":  now.Format(time.RFC3339),
				"unix": now.Unix(),
			}, nil
		},
	}
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
