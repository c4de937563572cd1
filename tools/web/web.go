// Package web provides the web_fetch and web_search tools. Both are
// read-only: fetch extracts readable article text via go-readability,
// search queries the Brave API.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/substratehq/substrate"
)

const (
	fetchLimitBytes = 1 << 20 // 1MB body cap
	fetchMaxChars   = 8000
	userAgent       = "Mozilla/5.0 (compatible; SubstrateBot/1.0)"
)

// Tool fetches URLs and searches the web.
type Tool struct {
	client      *http.Client
	braveAPIKey string
}

var _ substrate.Tool = (*Tool)(nil)

// New creates the web tool. braveAPIKey may be empty; web_search is
// only registered when a key is present.
func New(braveAPIKey string) *Tool {
	return &Tool{
		client:      &http.Client{Timeout: 15 * time.Second},
		braveAPIKey: braveAPIKey,
	}
}

func (t *Tool) Definitions() []substrate.ToolDefinition {
	defs := []substrate.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		ReadOnly:    true,
	}}
	if t.braveAPIKey != "" {
		defs = append(defs, substrate.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web for current information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
			ReadOnly:    true,
		})
	}
	return defs
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (substrate.ToolResult, error) {
	switch name {
	case "web_fetch":
		return t.fetch(ctx, args)
	case "web_search":
		return t.search(ctx, args)
	default:
		return substrate.Fail("unknown web tool: " + name), nil
	}
}

func (t *Tool) fetch(ctx context.Context, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	if params.URL == "" {
		return substrate.Fail("url is required"), nil
	}

	content, title, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return substrate.Fail(err.Error()), nil
	}
	if len(content) > fetchMaxChars {
		content = content[:fetchMaxChars] + "\n... (truncated)"
	}
	return substrate.ToolResult{
		Status:  substrate.StatusSuccess,
		Content: content,
		Data:    map[string]any{"url": params.URL, "title": title},
	}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other components.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (content, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimitBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), article.Title, nil
	}
	return stripHTML(html), "", nil
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (substrate.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return substrate.Fail("invalid args: " + err.Error()), nil
	}
	if params.Query == "" {
		return substrate.Fail("query is required"), nil
	}

	results, err := t.braveSearch(ctx, params.Query, 8)
	if err != nil {
		return substrate.Fail(err.Error()), nil
	}
	if len(results) == 0 {
		return substrate.Ok(fmt.Sprintf("No results found for %q.", params.Query)), nil
	}

	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return substrate.Ok(strings.TrimRight(out.String(), "\n")), nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]searchResult, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.braveAPIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse: %w", err)
	}

	results := make([]searchResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// stripHTML is the fallback when readability cannot parse a page:
// drop script/style blocks, then all tags, then collapse whitespace.
func stripHTML(html string) string {
	for _, tag := range []string{"script", "style", "noscript"} {
		for {
			open := strings.Index(strings.ToLower(html), "<"+tag)
			if open < 0 {
				break
			}
			close := strings.Index(strings.ToLower(html[open:]), "</"+tag+">")
			if close < 0 {
				html = html[:open]
				break
			}
			html = html[:open] + html[open+close+len(tag)+3:]
		}
	}

	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
