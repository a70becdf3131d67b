// Package stealth is an HTTP client whose TLS handshake and HTTP/2 negotiation match
// real browsers.
//
// Network I/O is delegated to a fingerprinting engine reached through an
// engine.Driver. The default driver runs github.com/bogdanfinn/tls-client in-process;
// the remote driver talks to a stealth-engine server over HTTP.
//
// A Session owns one engine session and one cookie jar. Client calls it synchronously,
// AsyncClient dispatches calls to a worker pool and returns futures. Both end up in
// Session.Execute.
//
// Example Usage:
//
//	client, err := stealth.NewClient(
//	    stealth.WithProfile("chrome_133"),
//	    stealth.WithBaseURL("https://api.example.com"),
//	    stealth.WithDefaultHeaders(map[string]string{"Accept": "application/json"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "/items", stealth.WithParams(map[string]string{"x": "1"}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := resp.RaiseForStatus(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(client.Cookies().ToDict())
//
// Concurrent calls:
//
//	async, _ := stealth.NewAsyncClient(stealth.WithWorkers(4))
//	defer async.Close()
//	responses, err := stealth.Gather(ctx,
//	    async.Get(ctx, "https://example.com/a"),
//	    async.Get(ctx, "https://example.com/b"),
//	)
package stealth
