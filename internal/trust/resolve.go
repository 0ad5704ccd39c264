package trust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"homefence/internal/apperr"
)

// DefaultMaxHops bounds redirect resolution.
const DefaultMaxHops = 5

// maxProbeBody bounds how much of a landing page is scanned for a meta refresh.
const maxProbeBody = 64 << 10

// Resolve follows status-code and meta-refresh redirects from rawURL using default trust and
// returns the canonical URL.
func (b *Bootstrapper) Resolve(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return b.resolve(ctx, u, false)
}

func (b *Bootstrapper) resolve(ctx context.Context, start *url.URL, insecure bool) (*url.URL, error) {
	client := b.probeClient(insecure)
	visited := make(map[string]bool)
	current := start

	for hops := 0; ; hops++ {
		visited[urlKey(current)] = true

		next, err := b.probe(ctx, client, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		if visited[urlKey(next)] {
			return nil, apperr.Redirect("resolve", fmt.Errorf("redirect cycle at %s", next))
		}
		if hops+1 > b.maxHops {
			return nil, apperr.Redirect("resolve", fmt.Errorf("more than %d redirects from %s", b.maxHops, start))
		}
		b.log.Debug().Str("from", current.String()).Str("to", next.String()).Msg("redirect")
		current = next
	}
}

// probe fetches u once. It returns the redirect target, or nil when u is final.
func (b *Bootstrapper) probe(ctx context.Context, client *http.Client, u *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperr.Configuration("resolve", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, apperr.Network("resolve", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 300 && res.StatusCode < 400:
		loc := res.Header.Get("Location")
		if loc == "" {
			return nil, nil
		}
		target, err := u.Parse(loc)
		if err != nil {
			return nil, apperr.Redirect("resolve", fmt.Errorf("bad Location %q: %w", loc, err))
		}
		return target, nil
	case res.StatusCode >= 400:
		b.log.Debug().Str("url", u.String()).Int("status", res.StatusCode).Msg("resolution stopped")
		return nil, nil
	}

	if !isHTML(res.Header.Get("Content-Type")) {
		return nil, nil
	}
	refresh, ok := metaRefreshTarget(io.LimitReader(res.Body, maxProbeBody))
	if !ok {
		return nil, nil
	}
	target, err := u.Parse(refresh)
	if err != nil {
		return nil, apperr.Redirect("resolve", fmt.Errorf("bad refresh target %q: %w", refresh, err))
	}
	target = origin(target)
	if urlKey(target) == urlKey(u) {
		return nil, nil
	}
	return target, nil
}

func (b *Bootstrapper) probeClient(insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = insecureConfig()
	}
	return &http.Client{
		Timeout:   b.timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// metaRefreshTarget scans the document head for <meta http-equiv="refresh" content="N; url">.
// Scanning stops at </head> or <body>.
func metaRefreshTarget(r io.Reader) (string, bool) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "head" {
				return "", false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "body":
				return "", false
			case "meta":
				if !hasAttr {
					continue
				}
				attrs := tagAttrs(z)
				if !strings.EqualFold(attrs["http-equiv"], "refresh") {
					continue
				}
				if target, ok := parseRefreshContent(attrs["content"]); ok {
					return target, true
				}
			}
		}
	}
}

func tagAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		key, val, more := z.TagAttr()
		attrs[strings.ToLower(string(key))] = string(val)
		if !more {
			return attrs
		}
	}
}

// parseRefreshContent extracts the target from "5; url=https://host/". A bare delay is not a
// redirect.
func parseRefreshContent(content string) (string, bool) {
	_, target, found := strings.Cut(content, ";")
	if !found {
		return "", false
	}
	target = strings.TrimSpace(target)
	if len(target) >= 4 && strings.EqualFold(target[:4], "url=") {
		target = strings.TrimSpace(target[4:])
	}
	target = strings.Trim(target, `"'`)
	if target == "" {
		return "", false
	}
	return target, true
}

// origin drops everything after scheme://host[:port].
func origin(u *url.URL) *url.URL {
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}

func urlKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

// ParseURL validates a server URL. Only http and https with a host are accepted.
func ParseURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, apperr.Configuration("parse url", errors.New("server url is required"))
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apperr.Configuration("parse url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Configuration("parse url", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, apperr.Configuration("parse url", fmt.Errorf("missing host in %q", rawURL))
	}
	return u, nil
}
