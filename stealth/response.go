package stealth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

var errTrailingData = errors.New("unexpected data after top-level value")

// Response is a completed HTTP exchange. Status codes are never turned into errors
// implicitly; call RaiseForStatus for that.
type Response struct {
	StatusCode int
	Headers    *Headers
	Content    []byte
	// URL is the final URL, after any redirects the engine followed.
	URL *url.URL
	// Elapsed is the time spent in the engine call.
	Elapsed time.Duration
	// Cookies is a snapshot of the session jar taken when the call completed.
	Cookies *Jar
	// Request is the request that produced this response.
	Request *Request
	// SetCookies holds the cookies this response asked to set.
	SetCookies []Cookie

	jsonOnce  sync.Once
	jsonValue any
	jsonErr   error
}

// Status returns the status line text, e.g. "404 Not Found".
func (r *Response) Status() string {
	return strings.TrimSpace(fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)))
}

// OK reports whether the status is below 400.
func (r *Response) OK() bool { return r.StatusCode < 400 }

// IsRedirect reports whether the status is a redirect with a Location header.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Headers.Has("Location")
}

// RaiseForStatus returns an *HTTPStatusError for statuses in [400, 599] and nil
// otherwise.
func (r *Response) RaiseForStatus() error {
	if r.StatusCode >= 400 && r.StatusCode <= 599 {
		return &HTTPStatusError{Response: r}
	}
	return nil
}

// Encoding returns the charset declared in the Content-Type header, or "".
func (r *Response) Encoding() string {
	_, params, err := mime.ParseMediaType(r.Headers.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return params["charset"]
}

// Text returns the body decoded with the declared charset. Bodies without a declared
// charset, or with one that is unknown, are returned as-is.
func (r *Response) Text() string {
	label := r.Encoding()
	if label == "" {
		return string(r.Content)
	}
	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return string(r.Content)
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), r.Content)
	if err != nil || !utf8.Valid(decoded) {
		return string(r.Content)
	}
	return string(decoded)
}

// JSON decodes the body once and returns the cached value, or the cached
// *JSONDecodeError, on every call.
func (r *Response) JSON() (any, error) {
	r.jsonOnce.Do(func() {
		dec := json.NewDecoder(bytes.NewReader(r.Content))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			r.jsonErr = &JSONDecodeError{Err: err}
			return
		}
		if _, err := dec.Token(); err != io.EOF {
			r.jsonErr = &JSONDecodeError{Err: errTrailingData}
			return
		}
		r.jsonValue = v
	})
	return r.jsonValue, r.jsonErr
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return &JSONDecodeError{Err: err}
	}
	return nil
}

// GJSON queries the body with a gjson path, e.g. "data.items.#.id".
func (r *Response) GJSON(path string) gjson.Result {
	return gjson.GetBytes(r.Content, path)
}

// Document parses the body as HTML.
func (r *Response) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(r.Content))
}

// translateResponse builds a Response from the engine's answer to req.
func translateResponse(wire *engine.Response, req *Request, sent *url.URL, now time.Time) (*Response, error) {
	final := sent
	if wire.Target != "" {
		u, err := url.Parse(wire.Target)
		if err != nil {
			return nil, &engine.CallError{Category: engine.CategoryRequest, Message: "engine reported malformed target " + wire.Target, Err: err}
		}
		final = u
	}

	headers := &Headers{}
	for _, h := range wire.Headers {
		headers.Add(h.Name(), h.Value())
	}

	// A server may only set cookies for its own host or a parent domain of it.
	wireCookies := lo.Filter(wire.Cookies, func(c engine.Cookie, _ int) bool {
		origin := lo.Ternary(c.Origin != "", c.Origin, final.Hostname())
		if domainMatch(normalizeDomain(origin), c.Domain) {
			return true
		}
		klog.V(2).Infof("cookies: dropping %q for %q set by %q", c.Name, c.Domain, origin)
		return false
	})

	setCookies := lo.Map(wireCookies, func(c engine.Cookie, _ int) Cookie {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if cookie.Domain == "" {
			cookie.Domain = final.Hostname()
		}
		if cookie.Path == "" {
			cookie.Path = defaultCookiePath(final)
		}
		if exp, ok := c.ExpiresAt(now); ok {
			cookie.Expires = exp
		}
		return cookie
	})

	return &Response{
		StatusCode: wire.Status,
		Headers:    headers,
		Content:    wire.Body,
		URL:        final,
		Request:    req,
		SetCookies: setCookies,
	}, nil
}
