package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/ditsuke/go-stealth/stealth"
	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/engine/enginetest"
	"github.com/ditsuke/go-stealth/stealth/remote"
)

func newTestServer(t *testing.T, config Config) (*ApiServer, *httptest.Server) {
	t.Helper()
	s := New(config)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func postJSON(g *GomegaWithT, url, apiKey string, body any) *http.Response {
	payload, err := json.Marshal(body)
	g.Expect(err).ToNot(HaveOccurred())
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	g.Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(remote.APIKeyHeader, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	g.Expect(err).ToNot(HaveOccurred())
	return resp
}

func decodeWire(g *GomegaWithT, resp *http.Response) *engine.Response {
	defer resp.Body.Close()
	var wire engine.Response
	g.Expect(json.NewDecoder(resp.Body).Decode(&wire)).To(Succeed())
	return &wire
}

func wireRequest(sessionID, profile string) *engine.Request {
	return &engine.Request{
		SessionID:           sessionID,
		TLSClientIdentifier: profile,
		RequestMethod:       http.MethodGet,
		RequestURL:          "https://example.com/",
		TimeoutMilliseconds: 1000,
		FollowRedirects:     true,
	}
}

func TestForward(t *testing.T) {
	testCases := []struct {
		name     string
		config   func(d *enginetest.Driver) Config
		requests []*engine.Request
		check    func(g *GomegaWithT, d *enginetest.Driver, last *http.Response)
	}{
		{
			name: "session is opened once and reused",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []*engine.Request{wireRequest("client-1", "chrome_133"), wireRequest("client-1", "chrome_133")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				g.Expect(last.StatusCode).To(Equal(http.StatusOK))
				wire := decodeWire(g, last)
				g.Expect(wire.SessionID).To(Equal("client-1"))
				g.Expect(wire.Status).To(Equal(200))
				g.Expect(d.Conns()).To(HaveLen(1))
				g.Expect(d.Conns()[0].Profile).To(Equal("chrome_133"))
				g.Expect(d.Conns()[0].Config.Timeout).To(Equal(time.Second))
				g.Expect(d.Requests()).To(HaveLen(2))
			},
		},
		{
			name: "engine failure is returned in the wire response",
			config: func(d *enginetest.Driver) Config {
				d.Respond = func(req *engine.Request) (*engine.Response, error) {
					return &engine.Response{Error: &engine.Failure{Category: engine.CategoryConnect, Message: "dns failure"}}, nil
				}
				return Config{Driver: d}
			},
			requests: []*engine.Request{wireRequest("client-1", "chrome_133")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				g.Expect(last.StatusCode).To(Equal(http.StatusOK))
				wire := decodeWire(g, last)
				g.Expect(wire.SessionID).To(Equal("client-1"))
				g.Expect(wire.Error).ToNot(BeNil())
				g.Expect(wire.Error.Category).To(Equal(engine.CategoryConnect))
				g.Expect(wire.Error.Message).To(Equal("dns failure"))
			},
		},
		{
			name: "engine that cannot open the profile",
			config: func(d *enginetest.Driver) Config {
				d.OpenErr = errors.New("unknown profile")
				return Config{Driver: d}
			},
			requests: []*engine.Request{wireRequest("client-1", "netscape_4")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				g.Expect(last.StatusCode).To(Equal(http.StatusOK))
				wire := decodeWire(g, last)
				g.Expect(wire.Error).ToNot(BeNil())
				g.Expect(wire.Error.Category).To(Equal(engine.CategoryRequest))
				g.Expect(wire.Error.Message).To(ContainSubstring("unknown profile"))
			},
		},
		{
			name: "profile mismatch",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []*engine.Request{wireRequest("client-1", "chrome_133"), wireRequest("client-1", "firefox_135")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				defer last.Body.Close()
				g.Expect(last.StatusCode).To(Equal(http.StatusConflict))
				g.Expect(d.Conns()).To(HaveLen(1))
			},
		},
		{
			name: "session limit",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d, MaxSessions: 1}
			},
			requests: []*engine.Request{wireRequest("client-1", "chrome_133"), wireRequest("client-2", "chrome_133")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				defer last.Body.Close()
				g.Expect(last.StatusCode).To(Equal(http.StatusTooManyRequests))
				g.Expect(last.Header.Get("Retry-After")).To(Equal("30"))
			},
		},
		{
			name: "missing session id",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []*engine.Request{wireRequest("", "chrome_133")},
			check: func(g *GomegaWithT, d *enginetest.Driver, last *http.Response) {
				defer last.Body.Close()
				g.Expect(last.StatusCode).To(Equal(http.StatusBadRequest))
				g.Expect(d.Conns()).To(BeEmpty())
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			driver := &enginetest.Driver{}
			_, ts := newTestServer(t, testCase.config(driver))

			var last *http.Response
			for i, req := range testCase.requests {
				last = postJSON(g, ts.URL+remote.ForwardEndpoint, "", req)
				if i < len(testCase.requests)-1 {
					last.Body.Close()
				}
			}
			testCase.check(g, driver, last)
		})
	}
}

func TestOpenSession(t *testing.T) {
	open := func(sessionID, profile string) remote.OpenSessionRequest {
		return remote.OpenSessionRequest{
			SessionID:           sessionID,
			TLSClientIdentifier: profile,
			TimeoutMilliseconds: 2000,
			FollowRedirects:     true,
		}
	}

	testCases := []struct {
		name     string
		config   func(d *enginetest.Driver) Config
		requests []any
		status   int
		check    func(g *GomegaWithT, d *enginetest.Driver)
	}{
		{
			name: "opens the engine session",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []any{open("client-1", "chrome_133")},
			status:   http.StatusOK,
			check: func(g *GomegaWithT, d *enginetest.Driver) {
				g.Expect(d.Conns()).To(HaveLen(1))
				g.Expect(d.Conns()[0].Profile).To(Equal("chrome_133"))
				g.Expect(d.Conns()[0].Config).To(Equal(engine.Config{Timeout: 2 * time.Second, FollowRedirects: true}))
			},
		},
		{
			name: "opening twice keeps one session",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []any{open("client-1", "chrome_133"), open("client-1", "chrome_133")},
			status:   http.StatusOK,
			check: func(g *GomegaWithT, d *enginetest.Driver) {
				g.Expect(d.Conns()).To(HaveLen(1))
			},
		},
		{
			name: "engine rejects the profile",
			config: func(d *enginetest.Driver) Config {
				d.OpenErr = errors.New("unknown browser profile")
				return Config{Driver: d}
			},
			requests: []any{open("client-1", "not_a_browser_99")},
			status:   http.StatusUnprocessableEntity,
		},
		{
			name: "profile mismatch",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []any{open("client-1", "chrome_133"), open("client-1", "firefox_135")},
			status:   http.StatusConflict,
		},
		{
			name: "session limit",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d, MaxSessions: 1}
			},
			requests: []any{open("client-1", "chrome_133"), open("client-2", "chrome_133")},
			status:   http.StatusTooManyRequests,
		},
		{
			name: "missing profile",
			config: func(d *enginetest.Driver) Config {
				return Config{Driver: d}
			},
			requests: []any{map[string]string{"sessionId": "client-1"}},
			status:   http.StatusBadRequest,
			check: func(g *GomegaWithT, d *enginetest.Driver) {
				g.Expect(d.Conns()).To(BeEmpty())
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			driver := &enginetest.Driver{}
			_, ts := newTestServer(t, testCase.config(driver))

			var status int
			for _, body := range testCase.requests {
				resp := postJSON(g, ts.URL+remote.OpenSessionEndpoint, "", body)
				status = resp.StatusCode
				resp.Body.Close()
			}
			g.Expect(status).To(Equal(testCase.status))
			if testCase.check != nil {
				testCase.check(g, driver)
			}
		})
	}
}

func TestForwardRejectsMalformedPayload(t *testing.T) {
	g := NewGomegaWithT(t)
	_, ts := newTestServer(t, Config{Driver: &enginetest.Driver{}})

	resp, err := http.Post(ts.URL+remote.ForwardEndpoint, "application/json", bytes.NewReader([]byte("{not json")))
	g.Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

	get, err := http.Get(ts.URL + remote.ForwardEndpoint)
	g.Expect(err).ToNot(HaveOccurred())
	defer get.Body.Close()
	g.Expect(get.StatusCode).To(Equal(http.StatusMethodNotAllowed))
	g.Expect(get.Header.Get("Allow")).To(Equal(http.MethodPost))
}

func TestFreeSession(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{}
	s, ts := newTestServer(t, Config{Driver: driver})

	postJSON(g, ts.URL+remote.ForwardEndpoint, "", wireRequest("client-1", "chrome_133")).Body.Close()
	g.Expect(driver.Conns()).To(HaveLen(1))

	resp := postJSON(g, ts.URL+remote.FreeSessionEndpoint, "", map[string]string{"sessionId": "client-1"})
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
	g.Expect(driver.Conns()[0].Closes()).To(Equal(1))

	total, _ := s.sessions.Stats()
	g.Expect(total).To(Equal(0))

	// Freeing an unknown session is not an error.
	resp = postJSON(g, ts.URL+remote.FreeSessionEndpoint, "", map[string]string{"sessionId": "client-1"})
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
	g.Expect(driver.Conns()[0].Closes()).To(Equal(1))

	resp = postJSON(g, ts.URL+remote.FreeSessionEndpoint, "", map[string]string{})
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
}

func TestAPIKey(t *testing.T) {
	g := NewGomegaWithT(t)
	_, ts := newTestServer(t, Config{Driver: &enginetest.Driver{}, APIKey: "secret"})

	resp := postJSON(g, ts.URL+remote.ForwardEndpoint, "", wireRequest("client-1", "chrome_133"))
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

	resp = postJSON(g, ts.URL+remote.ForwardEndpoint, "wrong", wireRequest("client-1", "chrome_133"))
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

	resp = postJSON(g, ts.URL+remote.ForwardEndpoint, "secret", wireRequest("client-1", "chrome_133"))
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))

	health, err := http.Get(ts.URL + remote.HealthEndpoint)
	g.Expect(err).ToNot(HaveOccurred())
	defer health.Body.Close()
	g.Expect(health.StatusCode).To(Equal(http.StatusOK))

	var body healthResponse
	g.Expect(json.NewDecoder(health.Body).Decode(&body)).To(Succeed())
	g.Expect(body.Status).To(Equal("ok"))
	g.Expect(body.Sessions).To(Equal(1))
}

func TestMetrics(t *testing.T) {
	g := NewGomegaWithT(t)
	_, ts := newTestServer(t, Config{Driver: &enginetest.Driver{}})

	postJSON(g, ts.URL+remote.ForwardEndpoint, "", wireRequest("client-1", "chrome_133")).Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	g.Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(buf.String()).To(ContainSubstring("stealth_engine_cached_sessions 1"))
}

func TestSessionCacheExpiry(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{}
	cache := NewSessionCache(driver, time.Minute, 0)
	defer cache.Close()

	_, err := cache.getOrCreate("a", "chrome_133", engine.Config{})
	g.Expect(err).ToNot(HaveOccurred())
	_, err = cache.getOrCreate("b", "chrome_133", engine.Config{})
	g.Expect(err).ToNot(HaveOccurred())

	cache.cleanup(time.Now().Add(30 * time.Second))
	total, _ := cache.Stats()
	g.Expect(total).To(Equal(2))

	cache.cleanup(time.Now().Add(2 * time.Minute))
	total, _ = cache.Stats()
	g.Expect(total).To(Equal(0))
	for _, conn := range driver.Conns() {
		g.Expect(conn.Closes()).To(Equal(1))
	}

	g.Expect(cache.Close()).To(Succeed())
	_, err = cache.getOrCreate("c", "chrome_133", engine.Config{})
	g.Expect(err).To(MatchError(errCacheClosed))
}

func TestSessionCacheCloseReleasesEverySession(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{CloseErr: errors.New("engine gone")}
	cache := NewSessionCache(driver, time.Minute, 0)

	_, err := cache.getOrCreate("a", "chrome_133", engine.Config{})
	g.Expect(err).ToNot(HaveOccurred())

	err = cache.Close()
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("engine gone"))
	g.Expect(driver.Conns()[0].Closes()).To(Equal(1))

	// A second Close has nothing left to release.
	g.Expect(cache.Close()).To(Succeed())
}

func TestSessionCacheOpensOutsideTheLock(t *testing.T) {
	g := NewGomegaWithT(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	driver := &enginetest.Driver{
		BeforeOpen: func(_, profile string) {
			if profile == "slow_1" {
				started <- struct{}{}
				<-release
			}
		},
	}
	cache := NewSessionCache(driver, time.Minute, 0)
	defer cache.Close()

	type result struct {
		session *cachedSession
		err     error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		session, err := cache.getOrCreate("a", "slow_1", engine.Config{})
		first <- result{session, err}
	}()
	<-started
	go func() {
		session, err := cache.getOrCreate("a", "slow_1", engine.Config{})
		second <- result{session, err}
	}()

	// Other ids and cache statistics are not held up by the pending open.
	_, err := cache.getOrCreate("b", "chrome_133", engine.Config{})
	g.Expect(err).ToNot(HaveOccurred())
	total, _ := cache.Stats()
	g.Expect(total).To(Equal(2))
	g.Consistently(second, 50*time.Millisecond).ShouldNot(Receive())

	close(release)
	var a, b result
	g.Eventually(first).Should(Receive(&a))
	g.Eventually(second).Should(Receive(&b))
	g.Expect(a.err).ToNot(HaveOccurred())
	g.Expect(b.err).ToNot(HaveOccurred())
	g.Expect(b.session).To(BeIdenticalTo(a.session))
	g.Expect(driver.Conns()).To(HaveLen(2))
}

func TestSessionCacheFailedOpenIsNotCached(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{OpenErr: errors.New("unknown profile")}
	cache := NewSessionCache(driver, time.Minute, 1)
	defer cache.Close()

	_, err := cache.getOrCreate("a", "netscape_4", engine.Config{})
	var initErr *engine.InitError
	g.Expect(errors.As(err, &initErr)).To(BeTrue())
	total, _ := cache.Stats()
	g.Expect(total).To(Equal(0))

	// The failed open does not count against the limit.
	driver.OpenErr = nil
	_, err = cache.getOrCreate("b", "chrome_133", engine.Config{})
	g.Expect(err).ToNot(HaveOccurred())
}

func TestRemoteSessionEndToEnd(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{
		Respond: func(req *engine.Request) (*engine.Response, error) {
			return &engine.Response{
				Status:  200,
				Headers: []engine.Header{{"Content-Type", "application/json"}},
				Body:    []byte(`{"items":[1,2]}`),
				Cookies: []engine.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
			}, nil
		},
	}
	_, ts := newTestServer(t, Config{Driver: driver, APIKey: "secret"})

	session, err := stealth.NewSession(
		stealth.WithDriver(remote.NewDriver(ts.URL, "secret")),
		stealth.WithProfile("chrome_133"),
		stealth.WithBaseURL("https://api.example.com"),
	)
	g.Expect(err).ToNot(HaveOccurred())

	resp, err := session.Execute(context.Background(), stealth.NewRequest(http.MethodGet, "/items"))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(resp.StatusCode).To(Equal(200))
	g.Expect(resp.GJSON("items.#").Int()).To(Equal(int64(2)))
	g.Expect(session.Cookies().ToDict()).To(Equal(map[string]string{"sid": "abc"}))

	g.Expect(driver.Conns()).To(HaveLen(1))
	g.Expect(driver.LastRequest().RequestURL).To(Equal("https://api.example.com/items"))

	g.Expect(session.Close()).To(Succeed())
	g.Expect(driver.Conns()[0].Closes()).To(Equal(1))
}

func TestRemoteSessionRejectedProfile(t *testing.T) {
	g := NewGomegaWithT(t)
	driver := &enginetest.Driver{OpenErr: errors.New("unknown browser profile")}
	_, ts := newTestServer(t, Config{Driver: driver})

	client, err := stealth.NewClient(
		stealth.WithDriver(remote.NewDriver(ts.URL, "")),
		stealth.WithProfile("not_a_browser_99"),
	)
	g.Expect(client).To(BeNil())
	g.Expect(errors.Is(err, stealth.ErrEngineInit)).To(BeTrue())
	var initErr *stealth.EngineInitError
	g.Expect(errors.As(err, &initErr)).To(BeTrue())
	g.Expect(initErr.Profile).To(Equal("not_a_browser_99"))
	g.Expect(err.Error()).To(ContainSubstring("unknown browser profile"))
	g.Expect(driver.Conns()).To(BeEmpty())
}
