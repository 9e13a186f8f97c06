package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Rrens/llm-relay/internal/domain"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultMaxChars = 8000
	maxBodyBytes    = 5 << 20
)

// Extractor fetches a page and returns its readable text
type Extractor struct {
	httpClient *http.Client
	maxChars   int

	// AllowPrivateHosts disables the private address check. Tests only.
	AllowPrivateHosts bool
}

// NewExtractor creates a new content extractor
func NewExtractor(timeout time.Duration, maxChars int) *Extractor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Extractor{
		httpClient: &http.Client{Timeout: timeout},
		maxChars:   maxChars,
	}
}

// Tool returns the registry entry
func (e *Extractor) Tool() Tool {
	return Tool{
		Definition: domain.ToolDefinition{
			Name:        NameExtractContent,
			Description: "Fetch a web page and return its readable text content. Use it when the user shares a link or a search result needs a closer look.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The http or https URL to read",
					},
				},
				"required": []string{"url"},
			},
		},
		Handler:  e.handle,
		ReadOnly: true,
	}
}

func (e *Extractor) handle(ctx context.Context, args json.RawMessage) (*Output, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	page, err := e.Extract(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	return &Output{Data: map[string]any{
		"url":       page.URL,
		"title":     page.Title,
		"content":   page.Content,
		"truncated": page.Truncated,
	}}, nil
}

// Page is extracted page content
type Page struct {
	URL       string
	Title     string
	Content   string
	Truncated bool
}

// Extract fetches rawURL and extracts its text
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*Page, error) {
	if err := e.validateURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "llm-relay/1.0 (+content extractor)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	page := &Page{URL: rawURL}

	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		page.Content = collapseWhitespace(string(raw))
	} else {
		doc, err := html.Parse(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		page.Title, page.Content = extractText(doc)
	}

	page.Content, page.Truncated = truncate(page.Content, e.maxChars)
	return page, nil
}

func (e *Extractor) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if e.AllowPrivateHosts {
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("private address not allowed: %s", host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
			return fmt.Errorf("private address not allowed: %s", host)
		}
	}
	return nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Template: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true,
}

// extractText returns the document title and its visible text with one line
// per block element
func extractText(doc *html.Node) (string, string) {
	var title string
	var lines []string
	var cur strings.Builder

	flush := func() {
		if line := collapseWhitespace(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title {
				if title == "" && n.FirstChild != nil {
					title = collapseWhitespace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.DataAtom] {
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}

		block := n.Type == html.ElementNode && blocks[n.DataAtom]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(doc)
	flush()

	return title, strings.Join(lines, "\n")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:max]), true
}
