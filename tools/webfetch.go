package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const WebFetchToolName = "ScrapeUrl"

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	fetchMaxBytes    = 5 * 1024 * 1024
	fetchMaxChars    = 20000
)

// WebFetchTool downloads a page and returns its visible text.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetchTool{client: client}
}

func (t *WebFetchTool) Name() string { return WebFetchToolName }

func (t *WebFetchTool) Description() string {
	return "Fetches a web page by absolute URL and returns its readable text content."
}

func (t *WebFetchTool) Parameters() []Parameter {
	return []Parameter{{Name: "url", Type: TypeString, Description: "Absolute http(s) URL of the page.", Required: true}}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw := StringArg(args, "url")
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "Error: Invalid URL provided.", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "Error: Invalid URL provided.", nil
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error scraping URL: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("Error scraping URL: HTTP %d", resp.StatusCode), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return fmt.Sprintf("Error scraping URL: %v", err), nil
	}

	text := ExtractText(string(body))
	if len(text) > fetchMaxChars {
		text = truncateRunes(text, fetchMaxChars) + "..."
	}
	return text, nil
}

// skipElements hold no readable content.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
}

// ExtractText parses an HTML document and returns its visible text with all
// whitespace runs collapsed to single spaces. Scripts, styles and comments
// are dropped and entities are decoded.
func ExtractText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return collapseWhitespace(raw)
	}
	var b strings.Builder
	walkText(doc, &b)
	return collapseWhitespace(b.String())
}

func walkText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
	case html.CommentNode:
		return
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b)
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
