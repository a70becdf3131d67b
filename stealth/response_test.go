package stealth

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

func mustTranslateResponse(g *GomegaWithT, wire *engine.Response, sent string) *Response {
	u, err := url.Parse(sent)
	g.Expect(err).ToNot(HaveOccurred())
	resp, err := translateResponse(wire, NewRequest("GET", sent), u, timeNow)
	g.Expect(err).ToNot(HaveOccurred())
	return resp
}

func TestTranslateResponse(t *testing.T) {
	testCases := []struct {
		name  string
		wire  *engine.Response
		sent  string
		check func(g *GomegaWithT, resp *Response)
	}{
		{
			name: "final url comes from the engine",
			wire: &engine.Response{Status: 200, Target: "https://example.com/after"},
			sent: "https://example.com/before",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.URL.String()).To(Equal("https://example.com/after"))
				g.Expect(resp.Status()).To(Equal("200 OK"))
				g.Expect(resp.OK()).To(BeTrue())
			},
		},
		{
			name: "missing target falls back to the sent url",
			wire: &engine.Response{Status: 302, Headers: []engine.Header{{"Location", "/next"}}},
			sent: "https://example.com/before",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.URL.String()).To(Equal("https://example.com/before"))
				g.Expect(resp.IsRedirect()).To(BeTrue())
			},
		},
		{
			name: "headers keep order and repeats",
			wire: &engine.Response{Status: 200, Headers: []engine.Header{
				{"Set-Cookie", "a=1"},
				{"Content-Type", "text/plain"},
				{"Set-Cookie", "b=2"},
			}},
			sent: "https://example.com/",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.Headers.Values("set-cookie")).To(Equal([]string{"a=1", "b=2"}))
				g.Expect(resp.Headers.Keys()).To(Equal([]string{"Set-Cookie", "Content-Type"}))
			},
		},
		{
			name: "cookie defaults and expiry",
			wire: &engine.Response{Status: 200, Target: "https://www.example.com/account/login", Cookies: []engine.Cookie{
				{Name: "session", Value: "1"},
				{Name: "maxage", Value: "1", Domain: "example.com", Path: "/", MaxAge: 60},
				{Name: "expires", Value: "1", Domain: "example.com", Path: "/", Expires: timeNow.Add(time.Hour).Unix()},
				{Name: "gone", Value: "", Domain: "example.com", Path: "/", MaxAge: -1},
			}},
			sent: "https://www.example.com/account/login",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.SetCookies).To(HaveLen(4))
				g.Expect(resp.SetCookies[0].Domain).To(Equal("www.example.com"))
				g.Expect(resp.SetCookies[0].Path).To(Equal("/account"))
				g.Expect(resp.SetCookies[0].Expires.IsZero()).To(BeTrue())
				g.Expect(resp.SetCookies[1].Expires).To(Equal(timeNow.Add(time.Minute)))
				g.Expect(resp.SetCookies[2].Expires.Unix()).To(Equal(timeNow.Add(time.Hour).Unix()))
				g.Expect(resp.SetCookies[3].Expired(timeNow)).To(BeTrue())
			},
		},
		{
			name: "cookies for other domains are dropped",
			wire: &engine.Response{Status: 200, Target: "https://evil.test/", Cookies: []engine.Cookie{
				{Name: "session", Value: "attacker", Domain: "bank.com", Path: "/"},
				{Name: "own", Value: "1", Domain: ".evil.test", Path: "/"},
				{Name: "hop", Value: "1", Domain: "bank.com", Path: "/", Origin: "login.bank.com"},
				{Name: "sibling", Value: "1", Domain: "www.bank.com", Path: "/", Origin: "login.bank.com"},
			}},
			sent: "https://login.bank.com/",
			check: func(g *GomegaWithT, resp *Response) {
				names := make([]string, 0, len(resp.SetCookies))
				for _, c := range resp.SetCookies {
					names = append(names, c.Name)
				}
				g.Expect(names).To(Equal([]string{"own", "hop"}))
			},
		},
		{
			name: "text decodes the declared charset",
			wire: &engine.Response{Status: 200, Headers: []engine.Header{{"Content-Type", "text/plain; charset=ISO-8859-1"}}, Body: []byte{'c', 'a', 'f', 0xe9}},
			sent: "https://example.com/",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.Encoding()).To(Equal("ISO-8859-1"))
				g.Expect(resp.Text()).To(Equal("café"))
			},
		},
		{
			name: "text without charset is the raw body",
			wire: &engine.Response{Status: 200, Body: []byte("plain")},
			sent: "https://example.com/",
			check: func(g *GomegaWithT, resp *Response) {
				g.Expect(resp.Encoding()).To(BeEmpty())
				g.Expect(resp.Text()).To(Equal("plain"))
			},
		},
		{
			name: "html document",
			wire: &engine.Response{Status: 200, Body: []byte(`<html><head><title>Hello</title></head><body><a href="/x">x</a></body></html>`)},
			sent: "https://example.com/",
			check: func(g *GomegaWithT, resp *Response) {
				doc, err := resp.Document()
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(doc.Find("title").Text()).To(Equal("Hello"))
				href, _ := doc.Find("a").Attr("href")
				g.Expect(href).To(Equal("/x"))
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			testCase.check(g, mustTranslateResponse(g, testCase.wire, testCase.sent))
		})
	}
}

func TestTranslateResponseMalformedTarget(t *testing.T) {
	g := NewGomegaWithT(t)
	u, _ := url.Parse("https://example.com/")
	_, err := translateResponse(&engine.Response{Status: 200, Target: "http://[::1"}, NewRequest("GET", u.String()), u, timeNow)

	var callErr *engine.CallError
	g.Expect(errors.As(err, &callErr)).To(BeTrue())
	g.Expect(callErr.Category).To(Equal(engine.CategoryRequest))
}

func TestResponseJSON(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		value      any
		errMatcher func(g *GomegaWithT, err error)
	}{
		{
			name:  "object",
			body:  `{"a":[1,"two"]}`,
			value: map[string]any{"a": []any{json.Number("1"), "two"}},
		},
		{
			name:  "scalar",
			body:  ` "x" `,
			value: "x",
		},
		{
			name: "empty body",
			body: ``,
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(errors.Is(err, ErrJSONDecode)).To(BeTrue())
			},
		},
		{
			name: "trailing data",
			body: `{} {}`,
			errMatcher: func(g *GomegaWithT, err error) {
				var decodeErr *JSONDecodeError
				g.Expect(errors.As(err, &decodeErr)).To(BeTrue())
				g.Expect(decodeErr.Err).To(MatchError(errTrailingData))
			},
		},
		{
			name: "trailing object close",
			body: `{"a":1}}`,
			errMatcher: func(g *GomegaWithT, err error) {
				var decodeErr *JSONDecodeError
				g.Expect(errors.As(err, &decodeErr)).To(BeTrue())
				g.Expect(decodeErr.Err).To(MatchError(errTrailingData))
			},
		},
		{
			name: "trailing array close",
			body: `[1]]`,
			errMatcher: func(g *GomegaWithT, err error) {
				var decodeErr *JSONDecodeError
				g.Expect(errors.As(err, &decodeErr)).To(BeTrue())
				g.Expect(decodeErr.Err).To(MatchError(errTrailingData))
			},
		},
		{
			name: "mismatched close",
			body: `{"a":1}]`,
			errMatcher: func(g *GomegaWithT, err error) {
				var decodeErr *JSONDecodeError
				g.Expect(errors.As(err, &decodeErr)).To(BeTrue())
				g.Expect(decodeErr.Err).To(MatchError(errTrailingData))
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			resp := &Response{StatusCode: 200, Headers: &Headers{}, Content: []byte(testCase.body)}

			v, err := resp.JSON()
			if testCase.errMatcher != nil {
				testCase.errMatcher(g, err)
				// The failure is memoized.
				_, again := resp.JSON()
				g.Expect(again).To(BeIdenticalTo(err))
				return
			}
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(v).To(Equal(testCase.value))

			// Later mutations of the body do not change the memoized value.
			resp.Content = []byte(`"changed"`)
			again, err := resp.JSON()
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(again).To(Equal(testCase.value))
		})
	}
}

func TestRaiseForStatus(t *testing.T) {
	testCases := []struct {
		status int
		raises bool
	}{
		{200, false},
		{301, false},
		{399, false},
		{400, true},
		{404, true},
		{500, true},
		{599, true},
		{600, false},
	}

	for _, testCase := range testCases {
		t.Run(strconv.Itoa(testCase.status), func(t *testing.T) {
			g := NewGomegaWithT(t)
			u, _ := url.Parse("https://example.com/")
			resp := &Response{StatusCode: testCase.status, Headers: &Headers{}, URL: u}
			err := resp.RaiseForStatus()
			if !testCase.raises {
				g.Expect(err).ToNot(HaveOccurred())
				return
			}
			g.Expect(errors.Is(err, ErrHTTPStatus)).To(BeTrue())
			var statusErr *HTTPStatusError
			g.Expect(errors.As(err, &statusErr)).To(BeTrue())
			g.Expect(statusErr.Response).To(BeIdenticalTo(resp))
		})
	}
}
