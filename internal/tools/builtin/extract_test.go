package builtin

import (
	"net"
	"strings"
	"testing"
)

func TestCheckFetchTarget(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"public ip", "https://93.184.216.34/page", false},
		{"ftp scheme", "ftp://example.com/file", true},
		{"file scheme", "file:///etc/passwd", true},
		{"localhost", "http://localhost:8080/", true},
		{"localhost subdomain", "http://api.localhost/", true},
		{"no hostname", "http:///path", true},
		{"private v4", "http://10.0.0.1/", true},
		{"loopback v4", "http://127.0.0.1/", true},
		{"loopback v6", "http://[::1]/", true},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFetchTarget(tt.url)
			if tt.blocked && err == nil {
				t.Errorf("checkFetchTarget(%s) passed, want block", tt.url)
			}
			if !tt.blocked && err != nil {
				t.Errorf("checkFetchTarget(%s) blocked: %v", tt.url, err)
			}
		})
	}
}

func TestPrivateOrReserved(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "::1",
		"10.1.2.3", "172.16.0.1", "192.168.1.1", "fc00::1",
		"169.254.1.1", "fe80::1",
		"0.0.0.0", "::",
		"224.0.0.1",
		"169.254.169.254",
	}
	for _, addr := range blocked {
		if !privateOrReserved(net.ParseIP(addr)) {
			t.Errorf("%s passed, want blocked", addr)
		}
	}

	allowed := []string{"8.8.8.8", "93.184.216.34", "2001:4860:4860::8888"}
	for _, addr := range allowed {
		if privateOrReserved(net.ParseIP(addr)) {
			t.Errorf("%s blocked, want allowed", addr)
		}
	}

	if privateOrReserved(nil) {
		t.Error("nil IP blocked, want allowed")
	}
}

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Release Notes &amp; Changes</title>
  <meta name="description" content="What changed in version 2.0">
  <script>var tracking = "beacon";</script>
  <style>body { color: red }</style>
</head>
<body>
  <nav><a href="/">Home</a><a href="/docs">Docs</a></nav>
  <main>
    <h2>Version 2.0</h2>
    <p>The store now journals every write and replays them on restart.</p>
    <p>Selectors accept multiple context filters and the stream endpoint
    coalesces duplicate events before delivery, which keeps consumers from
    double-processing during reconnect storms.</p>
    <p>Upgrades from 1.x are automatic; downgrades need a manual dump and
    restore cycle as described in the operations guide.</p>
  </main>
  <footer>Copyright 2026</footer>
</body>
</html>`

func TestReadablePage(t *testing.T) {
	pg := readablePage(samplePage)

	if pg.Title != "Release Notes & Changes" {
		t.Errorf("title = %q", pg.Title)
	}
	if pg.Description != "What changed in version 2.0" {
		t.Errorf("description = %q", pg.Description)
	}
	if !strings.Contains(pg.Body, "journals every write") {
		t.Errorf("body misses main content: %q", pg.Body)
	}
	for _, gone := range []string{"tracking", "beacon", "color: red", "Copyright", "Docs"} {
		if strings.Contains(pg.Body, gone) {
			t.Errorf("body kept stripped content %q", gone)
		}
	}
}

func TestReadablePage_FallsBackToBody(t *testing.T) {
	pg := readablePage(`<html><head><title>Tiny</title></head><body><div>just a note</div></body></html>`)
	if pg.Title != "Tiny" {
		t.Errorf("title = %q", pg.Title)
	}
	if !strings.Contains(pg.Body, "just a note") {
		t.Errorf("body = %q, want the note text", pg.Body)
	}
}

func TestCleanText(t *testing.T) {
	in := "  a &amp; b\t c  \n\n\n\n d &lt;e&gt; \n"
	got := cleanText(in)
	want := "a & b c\n\nd <e>"
	if got != want {
		t.Errorf("cleanText = %q, want %q", got, want)
	}
}

func TestPageRender(t *testing.T) {
	pg := &page{Title: "Notes", Description: "short", Body: "body text"}

	md := pg.Render("markdown")
	if !strings.HasPrefix(md, "# Notes\n\n> short\n\n") || !strings.HasSuffix(md, "body text") {
		t.Errorf("markdown render = %q", md)
	}

	txt := pg.Render("text")
	if strings.Contains(txt, "#") || strings.Contains(txt, ">") {
		t.Errorf("text render kept markdown syntax: %q", txt)
	}
	if !strings.HasPrefix(txt, "Notes\n\n") {
		t.Errorf("text render = %q, want title first", txt)
	}
}
