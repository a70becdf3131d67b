package tlsclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	neturl "net/url"
	"slices"
	"strings"
	"sync"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Errors
const (
	ErrUnknownProfile      = "unknown browser profile"
	ErrFailedToCreate      = "failed to create TLS client"
	ErrFailedToCompose     = "failed to compose request"
	ErrFailedToReadBody    = "failed to read response body"
	ErrFailedToApplyProxy  = "failed to apply proxy"
	ErrMalformedRequestURL = "malformed request url"
)

// DriverName is reported by Driver.Name.
const DriverName = "tlsclient"

// Driver opens in-process engine sessions backed by github.com/bogdanfinn/tls-client.
type Driver struct {
	// RandomExtensionOrder shuffles TLS extensions the way recent Chrome does.
	RandomExtensionOrder bool
	// Logger receives tls-client's own log lines. Nil selects a klog-backed logger.
	Logger tls_client.Logger
}

// NewDriver returns a driver with the default settings.
func NewDriver() *Driver {
	return &Driver{RandomExtensionOrder: true}
}

// Name implements engine.Driver.
func (d *Driver) Name() string { return DriverName }

// Open implements engine.Driver. The profile is resolved through tls-client's profile
// table; an unknown identifier fails here rather than on the first request.
func (d *Driver) Open(sessionID, profile string, cfg engine.Config) (engine.Conn, error) {
	clientProfile, err := LookupProfile(profile)
	if err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = NewLogger(klog.NewKlogr().WithName("tls-client").WithValues("session", sessionID))
	}

	// Timeouts are applied per request through the request context.
	clientOptions := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(0),
		tls_client.WithClientProfile(clientProfile),
	}
	if d.RandomExtensionOrder {
		clientOptions = append(clientOptions, tls_client.WithRandomTLSExtensionOrder())
	}
	if !cfg.FollowRedirects {
		clientOptions = append(clientOptions, tls_client.WithNotFollowRedirects())
	}
	if cfg.InsecureSkipVerify {
		clientOptions = append(clientOptions, tls_client.WithInsecureSkipVerify())
	}
	if cfg.ForceHTTP1 {
		clientOptions = append(clientOptions, tls_client.WithForceHttp1())
	}
	if cfg.ProxyURL != "" {
		clientOptions = append(clientOptions, tls_client.WithProxyUrl(cfg.ProxyURL))
	}

	client, err := tls_client.NewHttpClient(logger, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrFailedToCreate, err)
	}
	klog.V(2).Infof("tlsclient: opened session %s with profile %s", sessionID, profile)

	return &conn{
		sessionID:       sessionID,
		profile:         strings.ToLower(profile),
		client:          client,
		proxyURL:        cfg.ProxyURL,
		followRedirects: cfg.FollowRedirects,
	}, nil
}

// conn is one tls-client instance. The engine contract allows a single call at a time,
// mu only guards against misuse.
type conn struct {
	mu sync.Mutex

	sessionID       string
	profile         string
	client          tls_client.HttpClient
	proxyURL        string
	followRedirects bool
}

// Invoke implements engine.Conn. Transport failures are reported in the wire response
// with a category; only undecodable payloads are returned as errors.
func (c *conn) Invoke(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := engine.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		category := engine.Classify(err)
		klog.V(1).Infof("tlsclient: %s %s failed (%s): %s", req.RequestMethod, req.RequestURL, category, err)
		return engine.EncodeResponse(engine.FailureResponse(req.SessionID, category, err))
	}
	resp.SessionID = req.SessionID
	return engine.EncodeResponse(resp)
}

// Close implements engine.Conn.
func (c *conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *conn) do(req *engine.Request) (*engine.Response, error) {
	target, err := neturl.Parse(req.RequestURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrMalformedRequestURL, err)
	}

	if req.ProxyURL != c.proxyURL {
		if err := c.client.SetProxy(req.ProxyURL); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrFailedToApplyProxy, err)
		}
		c.proxyURL = req.ProxyURL
	}
	if req.FollowRedirects != c.followRedirects {
		c.client.SetFollowRedirect(req.FollowRedirects)
		c.followRedirects = req.FollowRedirects
	}

	// Each call starts from exactly the cookies the caller sent; the caller owns the jar.
	jar := newRecordingJar()
	jar.seed(target, req.RequestCookies)
	c.client.SetCookieJar(jar)

	ctx := context.Background()
	if timeout := req.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fReq, err := c.convertToFHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	fResp, err := c.client.Do(fReq)
	if err != nil {
		return nil, err
	}
	defer fResp.Body.Close()

	body, err := io.ReadAll(fResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrFailedToReadBody, err)
	}

	final := req.RequestURL
	if fResp.Request != nil && fResp.Request.URL != nil {
		final = fResp.Request.URL.String()
	}

	return &engine.Response{
		Status:  fResp.StatusCode,
		Target:  final,
		Headers: convertHeaders(fResp.Header),
		Body:    body,
		Cookies: jar.recorded(),
	}, nil
}

// convertToFHTTPRequest builds the fhttp request, keeping the caller's header order.
func (c *conn) convertToFHTTPRequest(ctx context.Context, req *engine.Request) (*fhttp.Request, error) {
	var body io.Reader
	if len(req.RequestBody) > 0 {
		body = bytes.NewReader(req.RequestBody)
	}
	fReq, err := fhttp.NewRequestWithContext(ctx, req.RequestMethod, req.RequestURL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrFailedToCompose, err)
	}

	order := make([]string, 0, len(req.Headers))
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name(), "Host") {
			fReq.Host = h.Value()
			continue
		}
		fReq.Header.Add(h.Name(), h.Value())
		order = append(order, strings.ToLower(h.Name()))
	}

	// Set User-Agent based on profile if the caller did not
	if fReq.Header.Get("User-Agent") == "" {
		if ua, ok := UserAgent(c.profile); ok {
			fReq.Header.Set("User-Agent", ua)
			order = append(order, "user-agent")
		}
	}
	fReq.Header[fhttp.HeaderOrderKey] = lo.Uniq(order)

	return fReq, nil
}

// convertHeaders flattens an fhttp header map into ordered pairs, sorted by name.
func convertHeaders(h fhttp.Header) []engine.Header {
	names := lo.Without(lo.Keys(h), fhttp.HeaderOrderKey, fhttp.PHeaderOrderKey)
	slices.Sort(names)
	headers := make([]engine.Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			headers = append(headers, engine.Header{name, v})
		}
	}
	return headers
}

// LookupProfile resolves a profile identifier such as "chrome_133" or "Firefox_135".
func LookupProfile(identifier string) (profiles.ClientProfile, error) {
	p, ok := profiles.MappedTLSClients[strings.ToLower(identifier)]
	if !ok {
		return profiles.ClientProfile{}, fmt.Errorf("%s: %q", ErrUnknownProfile, identifier)
	}
	return p, nil
}
