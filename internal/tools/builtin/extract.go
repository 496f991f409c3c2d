package builtin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
)

const (
	defaultFetchTimeout = 15 * time.Second

	// maxFetchBody caps how much of a response body is read (10MB).
	maxFetchBody = 10 << 20

	// minMainContent is the least text a content container must carry to
	// win over the whole-body fallback.
	minMainContent = 200

	fetchUserAgent = "Mozilla/5.0 (compatible; rcrt-toolrunner/1.0)"
)

// pageFetcher retrieves a URL and reduces the document to readable text.
// allowPrivate skips the target check so tests can hit loopback servers.
type pageFetcher struct {
	client       *http.Client
	allowPrivate bool
}

func newPageFetcher(timeout time.Duration) *pageFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &pageFetcher{client: &http.Client{Timeout: timeout}}
}

// page is the readable reduction of one fetched document.
type page struct {
	Title       string
	Description string
	Body        string
}

// Render flattens the page for the requested mode. Markdown keeps light
// structure; text puts the bare title above the body.
func (p *page) Render(mode string) string {
	var b strings.Builder
	switch {
	case mode == "markdown" && p.Title != "":
		b.WriteString("# ")
		b.WriteString(p.Title)
		b.WriteString("\n\n")
	case p.Title != "":
		b.WriteString(p.Title)
		b.WriteString("\n\n")
	}
	if mode == "markdown" && p.Description != "" {
		b.WriteString("> ")
		b.WriteString(p.Description)
		b.WriteString("\n\n")
	}
	b.WriteString(p.Body)
	return strings.TrimSpace(b.String())
}

// Fetch retrieves rawURL and extracts its readable content. Only http and
// https targets resolving to public addresses are fetched.
func (f *pageFetcher) Fetch(ctx context.Context, rawURL string) (*page, error) {
	if !f.allowPrivate {
		if err := checkFetchTarget(rawURL); err != nil {
			return nil, bus.WrapError(bus.KindValidation, err, "refusing fetch of %s", rawURL)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "build fetch request")
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, bus.WrapError(bus.KindTransport, err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, bus.NewError(bus.KindTransport, "fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return nil, bus.NewError(bus.KindValidation, "fetch %s: unsupported content type %s", rawURL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, bus.WrapError(bus.KindTransport, err, "read %s", rawURL)
	}

	if strings.Contains(contentType, "text/plain") {
		return &page{Body: cleanText(string(body))}, nil
	}
	return readablePage(string(body)), nil
}

// checkFetchTarget rejects URLs that could reach private infrastructure.
// Hostnames that fail DNS pass; the fetch itself fails instead, or a proxy
// resolves them.
func checkFetchTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not fetchable", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("url has no hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.New("localhost is not fetchable")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if privateOrReserved(ip) {
			return fmt.Errorf("%s resolves to a private or reserved address", host)
		}
	}
	return nil
}

// privateOrReserved reports whether an address must never be fetched:
// loopback, RFC 1918 and ULA ranges, link-local, multicast, unspecified,
// and the cloud metadata endpoint.
func privateOrReserved(ip net.IP) bool {
	if ip == nil {
		return false
	}
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified():
		return true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsMulticast():
		return true
	}
	return ip.Equal(net.ParseIP("169.254.169.254"))
}

var (
	noiseRE = func() []*regexp.Regexp {
		tags := []string{"script", "style", "noscript", "nav", "header", "footer", "aside", "svg", "iframe"}
		res := make([]*regexp.Regexp, len(tags))
		for i, tag := range tags {
			res[i] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		}
		return res
	}()

	titleRE   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	ogTitleRE = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']*)["']`)
	h1RE      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)

	metaDescRE = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	ogDescRE   = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:description["'][^>]*content=["']([^"']*)["']`)

	containerRE = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<main[^>]*>(.*?)</main>`),
		regexp.MustCompile(`(?is)<article[^>]*>(.*?)</article>`),
		regexp.MustCompile(`(?is)<div[^>]*role=["']main["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*id=["'](?:content|main)["'][^>]*>(.*?)</div>`),
	}
	bodyRE = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)

	blockRE = regexp.MustCompile(`(?i)</?(?:p|div|section|h[1-6]|li|tr|br)[^>]*>`)
	tagRE   = regexp.MustCompile(`<[^>]*>`)

	lineSpaceRE = regexp.MustCompile(`[^\S\n]+`)
	blankRunRE  = regexp.MustCompile(`\n{3,}`)
)

// readablePage reduces raw HTML to title, description and body text. Regex
// extraction misreads pathological markup, but the result feeds a language
// model rather than a renderer.
func readablePage(raw string) *page {
	for _, re := range noiseRE {
		raw = re.ReplaceAllString(raw, "")
	}
	body := mainContent(raw)
	return &page{
		Title:       cleanText(firstMatch(raw, titleRE, ogTitleRE, h1RE)),
		Description: cleanText(firstMatch(raw, metaDescRE, ogDescRE)),
		Body:        cleanText(body),
	}
}

func firstMatch(raw string, res ...*regexp.Regexp) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(raw); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// mainContent prefers the usual content containers and falls back to the
// whole body when none carries substantial text.
func mainContent(raw string) string {
	for _, re := range containerRE {
		if m := re.FindStringSubmatch(raw); len(m) > 1 {
			if text := htmlText(m[1]); len(strings.TrimSpace(text)) > minMainContent {
				return text
			}
		}
	}
	if m := bodyRE.FindStringSubmatch(raw); len(m) > 1 {
		return htmlText(m[1])
	}
	return htmlText(raw)
}

// htmlText strips tags, turning block elements into line breaks first so
// paragraph structure survives.
func htmlText(raw string) string {
	raw = blockRE.ReplaceAllString(raw, "\n")
	return tagRE.ReplaceAllString(raw, "")
}

// cleanText decodes entities, collapses intra-line whitespace and clamps
// blank runs to one empty line.
func cleanText(text string) string {
	text = html.UnescapeString(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(lineSpaceRE.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunRE.ReplaceAllString(text, "\n\n"))
}
