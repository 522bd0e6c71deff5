package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const (
	defaultFetchMaxChars = 50000
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (compatible; robun/1.0)"
)

// WebFetchTool downloads a URL and extracts readable text. The result is a
// JSON object so the LLM can tell metadata from page content.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable text content. Returns a JSON object with the page text."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": "'text' extracts readable article text (default); 'raw' returns the body unprocessed",
				"enum":        []string{"text", "raw"},
			},
			"max_chars": map[string]any{
				"type":        "number",
				"description": "Maximum characters of extracted text to return",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

type fetchResult struct {
	URL        string `json:"url"`
	FinalURL   string `json:"finalUrl,omitempty"`
	Status     int    `json:"status,omitempty"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return marshalFetchResult(fetchResult{Error: "URL validation failed: url is required"}), nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return marshalFetchResult(fetchResult{
			URL:   rawURL,
			Error: "URL validation failed: only http and https URLs are supported",
		}), nil
	}

	extractMode, _ := args["extract_mode"].(string)
	if extractMode == "" {
		extractMode = "text"
	}

	maxChars := defaultFetchMaxChars
	if mc, ok := args["max_chars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return marshalFetchResult(fetchResult{URL: rawURL, Error: fmt.Sprintf("request failed: %v", err)}), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return marshalFetchResult(fetchResult{URL: rawURL, Error: fmt.Sprintf("fetch failed: %v", err)}), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return marshalFetchResult(fetchResult{URL: rawURL, Status: resp.StatusCode, Error: fmt.Sprintf("read failed: %v", err)}), nil
	}

	result := fetchResult{
		URL:    rawURL,
		Status: resp.StatusCode,
	}
	if final := resp.Request.URL.String(); final != rawURL {
		result.FinalURL = final
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case extractMode == "raw":
		text = string(body)
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		article, err := readability.FromReader(strings.NewReader(string(body)), resp.Request.URL)
		if err == nil && article.TextContent != "" {
			result.Title = article.Title
			text = strings.TrimSpace(article.TextContent)
		} else {
			text = stripHTML(string(body))
		}
	default:
		text = string(body)
	}

	if len(text) > maxChars {
		text = text[:maxChars]
		result.Truncated = true
	}
	result.Text = text

	return marshalFetchResult(result), nil
}

func marshalFetchResult(r fetchResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlStripRe  = regexp.MustCompile(`<[^>]+>`)
	htmlSpacesRe = regexp.MustCompile(`\n{3,}`)
)

// stripHTML is the fallback when readability finds no article content.
func stripHTML(html string) string {
	s := htmlTagRe.ReplaceAllString(html, "")
	s = htmlStripRe.ReplaceAllString(s, "\n")
	s = htmlSpacesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
