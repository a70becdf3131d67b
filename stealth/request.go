package stealth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Supported request methods.
var methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodHead,
	http.MethodOptions,
}

// Request is one HTTP request before session defaults are applied. Build it with
// NewRequest; at most one of Content, Form and JSON may be set.
type Request struct {
	Method  string
	URL     string
	Headers *Headers
	Params  url.Values

	Content []byte
	Form    url.Values
	JSON    any
	hasJSON bool

	// Cookies override jar cookies with the same name for this request only.
	Cookies map[string]string

	Proxy           *string
	Timeout         *time.Duration
	FollowRedirects *bool
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// NewRequest builds a request. The method is upper-cased.
func NewRequest(method, rawURL string, opts ...RequestOption) *Request {
	r := &Request{
		Method:  strings.ToUpper(method),
		URL:     rawURL,
		Headers: &Headers{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithHeader sets one request header.
func WithHeader(name, value string) RequestOption {
	return func(r *Request) { r.Headers.Set(name, value) }
}

// WithHeaders sets several request headers.
func WithHeaders(h map[string]string) RequestOption {
	return func(r *Request) { r.Headers.Merge(NewHeaders(h)) }
}

// WithParams adds query parameters.
func WithParams(params map[string]string) RequestOption {
	return func(r *Request) {
		if r.Params == nil {
			r.Params = url.Values{}
		}
		for k, v := range params {
			r.Params.Add(k, v)
		}
	}
}

// WithQuery adds query parameters, keeping repeated values.
func WithQuery(q url.Values) RequestOption {
	return func(r *Request) {
		if r.Params == nil {
			r.Params = url.Values{}
		}
		for k, vs := range q {
			for _, v := range vs {
				r.Params.Add(k, v)
			}
		}
	}
}

// WithJSON sets a body that is serialized as JSON.
func WithJSON(v any) RequestOption {
	return func(r *Request) {
		r.JSON = v
		r.hasJSON = true
	}
}

// WithContent sets a raw body.
func WithContent(b []byte) RequestOption {
	return func(r *Request) { r.Content = b }
}

// WithForm sets a url-encoded form body.
func WithForm(form url.Values) RequestOption {
	return func(r *Request) { r.Form = form }
}

// WithCookies overrides jar cookies for this request.
func WithCookies(cookies map[string]string) RequestOption {
	return func(r *Request) {
		if r.Cookies == nil {
			r.Cookies = make(map[string]string, len(cookies))
		}
		for k, v := range cookies {
			r.Cookies[k] = v
		}
	}
}

// WithTimeout overrides the session timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = &d }
}

// WithProxy overrides the session proxy for this request. An empty string disables the
// proxy.
func WithProxy(proxyURL string) RequestOption {
	return func(r *Request) { r.Proxy = &proxyURL }
}

// WithFollowRedirects overrides the session redirect policy for this request.
func WithFollowRedirects(follow bool) RequestOption {
	return func(r *Request) { r.FollowRedirects = &follow }
}

// validate checks the request on its own, before any session state is involved.
func (r *Request) validate() error {
	if !lo.Contains(methods, r.Method) {
		return &InvalidRequestError{Reason: "unsupported method " + r.Method}
	}
	bodies := lo.Count([]bool{r.Content != nil, r.Form != nil, r.hasJSON || r.JSON != nil}, true)
	if bodies > 1 {
		return &InvalidRequestError{Reason: "at most one of content, form and json may be set"}
	}
	return nil
}

// sessionDefaults is the part of the Session configuration the translator needs.
type sessionDefaults struct {
	baseURL         *url.URL
	headers         *Headers
	jar             *Jar
	proxyURL        string
	verify          bool
	http2           bool
	timeout         time.Duration
	followRedirects bool
}

// resolveURL joins the request target with the base URL and its params. The result must
// be an absolute http(s) URL.
func resolveURL(base *url.URL, target string, params url.Values) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, &InvalidRequestError{Reason: "malformed url " + target, Err: err}
	}
	u := ref
	if base != nil && !ref.IsAbs() {
		u = base.ResolveReference(ref)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &InvalidRequestError{Reason: "url is not absolute: " + u.String()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidRequestError{Reason: "unsupported scheme " + u.Scheme}
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// encodeBody returns the body bytes and the content type implied by the body form.
func (r *Request) encodeBody() ([]byte, string, error) {
	switch {
	case r.hasJSON || r.JSON != nil:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(r.JSON); err != nil {
			return nil, "", &InvalidRequestError{Reason: "json body is not serializable", Err: err}
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), "application/json", nil
	case r.Form != nil:
		return []byte(r.Form.Encode()), "application/x-www-form-urlencoded", nil
	case r.Content != nil:
		return r.Content, "", nil
	}
	return nil, "", nil
}

// translate builds the engine request. Merge order, later wins: session headers, session
// cookies (the jar), request headers, request cookie overrides.
func translate(d sessionDefaults, r *Request) (*engine.Request, *url.URL, error) {
	if err := r.validate(); err != nil {
		return nil, nil, err
	}
	u, err := resolveURL(d.baseURL, r.URL, r.Params)
	if err != nil {
		return nil, nil, err
	}
	body, contentType, err := r.encodeBody()
	if err != nil {
		return nil, nil, err
	}

	headers := d.headers.Clone()
	headers.Merge(r.Headers)
	if contentType != "" && !headers.Has("Content-Type") {
		headers.Set("Content-Type", contentType)
	}

	var cookies []engine.Cookie
	if !r.Headers.Has("Cookie") && d.jar != nil {
		cookies = lo.Map(d.jar.ForURL(u), func(c Cookie, _ int) engine.Cookie {
			return engine.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
		})
	}
	for _, name := range sortedKeys(r.Cookies) {
		override := engine.Cookie{Name: name, Value: r.Cookies[name]}
		if _, idx, ok := lo.FindIndexOf(cookies, func(c engine.Cookie) bool { return c.Name == name }); ok {
			cookies[idx].Value = override.Value
			continue
		}
		cookies = append(cookies, override)
	}

	wire := &engine.Request{
		RequestMethod:       r.Method,
		RequestURL:          u.String(),
		Headers:             lo.Map(headers.All(), func(h Header, _ int) engine.Header { return engine.Header{h.Name, h.Value} }),
		RequestBody:         body,
		ProxyURL:            lo.FromPtrOr(r.Proxy, d.proxyURL),
		InsecureSkipVerify:  !d.verify,
		ForceHTTP1:          !d.http2,
		TimeoutMilliseconds: lo.FromPtrOr(r.Timeout, d.timeout).Milliseconds(),
		FollowRedirects:     lo.FromPtrOr(r.FollowRedirects, d.followRedirects),
		RequestCookies:      cookies,
	}
	return wire, u, nil
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
