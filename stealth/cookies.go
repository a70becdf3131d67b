package stealth

import (
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/net/publicsuffix"
	"k8s.io/klog/v2"
)

// Cookie is a stored cookie. Its identity is the (Name, Domain, Path) triple.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time // zero for session cookies
	Secure   bool
	HTTPOnly bool
}

type cookieKey struct {
	name, domain, path string
}

func (c Cookie) key() cookieKey {
	return cookieKey{name: c.Name, domain: normalizeDomain(c.Domain), path: c.Path}
}

// Expired reports whether the cookie has an explicit expiry at or before now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// CookieOption configures Jar.Set.
type CookieOption func(*Cookie)

// CookieDomain scopes a cookie to a domain and its subdomains.
func CookieDomain(domain string) CookieOption {
	return func(c *Cookie) { c.Domain = domain }
}

// CookiePath scopes a cookie to a path prefix.
func CookiePath(path string) CookieOption {
	return func(c *Cookie) { c.Path = path }
}

// CookieExpires sets an absolute expiry.
func CookieExpires(t time.Time) CookieOption {
	return func(c *Cookie) { c.Expires = t }
}

// CookieSecure restricts the cookie to https.
func CookieSecure() CookieOption {
	return func(c *Cookie) { c.Secure = true }
}

// Jar is the cookie store of a Session. It is keyed by cookie identity and keeps
// entries in the order they were last written, so that request serialization is
// deterministic. Jar is safe for concurrent use.
//
// A cookie with an empty Domain matches every host.
type Jar struct {
	mu      sync.Mutex
	entries []Cookie
	now     func() time.Time
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{now: time.Now}
}

func (j *Jar) clock() time.Time {
	if j.now == nil {
		return time.Now()
	}
	return j.now()
}

func (j *Jar) index(k cookieKey) int {
	return lo.IndexOf(lo.Map(j.entries, func(c Cookie, _ int) cookieKey { return c.key() }), k)
}

// upsert stores c, moving it behind every other entry. Callers hold j.mu.
func (j *Jar) upsert(c Cookie) {
	if i := j.index(c.key()); i >= 0 {
		j.entries = append(j.entries[:i], j.entries[i+1:]...)
	}
	j.entries = append(j.entries, c)
}

func (j *Jar) remove(k cookieKey) {
	if i := j.index(k); i >= 0 {
		j.entries = append(j.entries[:i], j.entries[i+1:]...)
	}
}

// Merge stores cookies reported by a server. The newest value for an identity always
// wins; a cookie with an explicit expiry in the past deletes its identity instead.
// A cookie with a domain also replaces any domain-less cookie of the same name, so a
// server-set value supersedes a session default. Cookies scoped to a public suffix are
// dropped.
func (j *Jar) Merge(cookies ...Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock()
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		if isPublicSuffix(c.Domain) {
			klog.V(2).Infof("cookies: dropping %q scoped to public suffix %q", c.Name, c.Domain)
			continue
		}
		if c.Domain != "" {
			j.entries = lo.Reject(j.entries, func(e Cookie, _ int) bool {
				return e.Name == c.Name && e.Domain == ""
			})
		}
		if c.Expired(now) {
			j.remove(c.key())
			continue
		}
		j.upsert(c)
	}
}

// Set stores a cookie on behalf of the user. The domain defaults to "" (every host) and
// the path to "/". Same identity rule as Merge.
func (j *Jar) Set(name, value string, opts ...CookieOption) {
	c := Cookie{Name: name, Value: value, Path: "/"}
	for _, opt := range opts {
		opt(&c)
	}
	j.Merge(c)
}

// Get returns the value of the cookie called name. When domain is given, a cookie stored
// for exactly that domain is preferred; otherwise the first match in jar order wins.
func (j *Jar) Get(name string, domain ...string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(domain) > 0 {
		d := normalizeDomain(domain[0])
		if c, ok := lo.Find(j.entries, func(c Cookie) bool {
			return c.Name == name && normalizeDomain(c.Domain) == d
		}); ok {
			return c.Value, true
		}
	}
	c, ok := lo.Find(j.entries, func(c Cookie) bool { return c.Name == name })
	return c.Value, ok
}

// Delete removes the cookie with the given identity.
func (j *Jar) Delete(name, domain, path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if path == "" {
		path = "/"
	}
	j.remove(cookieKey{name: name, domain: normalizeDomain(domain), path: path})
}

// Clear removes every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// Len returns the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// All returns a copy of every stored cookie in jar order.
func (j *Jar) All() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Cookie(nil), j.entries...)
}

// ToDict flattens the jar to name -> value. When several domains hold the same name the
// most recently written one wins.
func (j *Jar) ToDict() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return lo.SliceToMap(j.entries, func(c Cookie) (string, string) { return c.Name, c.Value })
}

// Clone returns an independent copy of the jar.
func (j *Jar) Clone() *Jar {
	return &Jar{entries: j.All(), now: j.now}
}

// ForURL returns the unexpired cookies that would be sent to u, in jar order.
func (j *Jar) ForURL(u *url.URL) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock()
	host := normalizeDomain(u.Hostname())
	secure := u.Scheme == "https"
	reqPath := u.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}
	return lo.Filter(j.entries, func(c Cookie, _ int) bool {
		return !c.Expired(now) &&
			(!c.Secure || secure) &&
			domainMatch(host, c.Domain) &&
			pathMatch(reqPath, c.Path)
	})
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
}

// domainMatch implements RFC 6265 section 5.1.3, with an empty cookie domain matching
// every host.
func domainMatch(host, domain string) bool {
	domain = normalizeDomain(domain)
	if domain == "" || host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" || reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultCookiePath implements RFC 6265 section 5.1.4 default-path.
func defaultCookiePath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func isPublicSuffix(domain string) bool {
	d := normalizeDomain(domain)
	if d == "" || net.ParseIP(d) != nil || !strings.Contains(d, ".") {
		// Single-label hosts such as localhost are allowed.
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(d)
	return icann && suffix == d
}
