package tlsclient

import (
	"net"
	neturl "net/url"
	"strings"
	"sync"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/samber/lo"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// recordingJar is the cookie jar of a single call. It serves the cookies the caller sent
// and remembers every Set-Cookie seen along the redirect chain, with the URL that set it.
type recordingJar struct {
	inner tls_client.CookieJar

	mu  sync.Mutex
	set []engine.Cookie
}

func newRecordingJar() *recordingJar {
	return &recordingJar{inner: tls_client.NewCookieJar()}
}

// seed stores the request cookies without recording them. Cookies without a domain are
// host-only for target; cookies without a path apply to the whole host.
func (j *recordingJar) seed(target *neturl.URL, cookies []engine.Cookie) {
	if len(cookies) == 0 {
		return
	}
	j.inner.SetCookies(target, lo.Map(cookies, func(c engine.Cookie, _ int) *fhttp.Cookie {
		return &fhttp.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   lo.Ternary(c.Path == "", "/", c.Path),
		}
	}))
}

// SetCookies implements fhttp.CookieJar.
func (j *recordingJar) SetCookies(u *neturl.URL, cookies []*fhttp.Cookie) {
	accepted := lo.Filter(cookies, func(c *fhttp.Cookie, _ int) bool {
		return domainMatch(u.Hostname(), c.Domain)
	})
	j.mu.Lock()
	for _, c := range accepted {
		j.set = append(j.set, toWireCookie(u, c))
	}
	j.mu.Unlock()
	j.inner.SetCookies(u, accepted)
}

// Cookies implements fhttp.CookieJar.
func (j *recordingJar) Cookies(u *neturl.URL) []*fhttp.Cookie {
	return j.inner.Cookies(u)
}

// recorded returns every cookie set during the call, in arrival order.
func (j *recordingJar) recorded() []engine.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]engine.Cookie{}, j.set...)
}

func toWireCookie(u *neturl.URL, c *fhttp.Cookie) engine.Cookie {
	wc := engine.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		Origin:   u.Hostname(),
	}
	if wc.Domain == "" {
		wc.Domain = u.Hostname()
	}
	if wc.Path == "" || wc.Path[0] != '/' {
		wc.Path = defaultPath(u.EscapedPath())
	}
	if !c.Expires.IsZero() {
		wc.Expires = c.Expires.Unix()
	}
	return wc
}

// domainMatch reports whether a cookie Domain attribute may be set by host. An empty
// attribute makes the cookie host-only and always matches.
func domainMatch(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" || host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// defaultPath is the RFC 6265 section 5.1.4 default-path.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
