// Command stealthget fetches a URL with a browser TLS fingerprint and prints the body.
//
//	stealthget [flags] URL
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/microcosm-cc/bluemonday"
	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth"
	"github.com/ditsuke/go-stealth/stealth/remote"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in Name: value form", v)
	}
	*h = append(*h, v)
	return nil
}

func main() {
	os.Exit(run())
}

// run returns the exit code so that deferred cleanup, including freeing a remote
// engine session, happens before the process exits.
func run() int {
	var headers headerFlags
	method := flag.String("X", "GET", "request method")
	flag.Var(&headers, "H", "request header `Name: value`, repeatable")
	data := flag.String("d", "", "request body, @file reads it from a file")
	asJSON := flag.Bool("json", false, "send the body as JSON")
	profile := flag.String("profile", stealth.DefaultProfile, "browser profile")
	proxy := flag.String("proxy", "", "proxy URL")
	insecure := flag.Bool("insecure", false, "skip certificate verification")
	http1 := flag.Bool("http1", false, "disable HTTP/2")
	noRedirect := flag.Bool("no-redirect", false, "do not follow redirects")
	timeout := flag.Duration("timeout", stealth.DefaultTimeout, "request timeout")
	engineURL := flag.String("engine", "", "remote engine server URL, empty for in-process (default $STEALTH_ENGINE_URL)")
	apiKey := flag.String("api-key", "", "remote engine API key (default $STEALTH_API_KEY)")
	strip := flag.Bool("strip", false, "print the text of an HTML body without markup")
	include := flag.Bool("i", false, "print the status line and response headers")
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
	}
	_ = godotenv.Load()
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	*engineURL = flagOrEnv(*engineURL, "STEALTH_ENGINE_URL")
	*apiKey = flagOrEnv(*apiKey, "STEALTH_API_KEY")

	opts := []stealth.Option{
		stealth.WithProfile(*profile),
		stealth.WithRequestTimeout(*timeout),
		stealth.WithRedirects(!*noRedirect),
		stealth.WithVerify(!*insecure),
		stealth.WithHTTP2(!*http1),
	}
	if *proxy != "" {
		opts = append(opts, stealth.WithProxyURL(*proxy))
	}
	if *engineURL != "" {
		opts = append(opts, stealth.WithDriver(remote.NewDriver(*engineURL, *apiKey)))
	}

	reqOpts, err := requestOptions(headers, *data, *asJSON)
	if err != nil {
		klog.Errorf("Invalid request: %s", err)
		return 2
	}

	client, err := stealth.NewClient(opts...)
	if err != nil {
		klog.Errorf("Failed to create client: %s", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			klog.Warningf("Failed to close client: %s", err)
		}
	}()

	resp, err := client.Request(context.Background(), *method, flag.Arg(0), reqOpts...)
	if err != nil {
		klog.Errorf("Request failed: %s", err)
		return 1
	}

	if *include {
		fmt.Printf("HTTP %s\n", resp.Status())
		for _, h := range resp.Headers.All() {
			fmt.Printf("%s: %s\n", h.Name, h.Value)
		}
		fmt.Println()
	}

	body := resp.Text()
	if *strip {
		body = stripMarkup(body)
	}
	fmt.Print(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		fmt.Println()
	}
	klog.V(1).Infof("%s %s -> %d in %s", *method, resp.URL, resp.StatusCode, resp.Elapsed.Round(time.Millisecond))
	return 0
}

// flagOrEnv returns the flag value, or the environment value for key when the flag was
// left empty. Read after godotenv.Load so that .env values apply.
func flagOrEnv(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func requestOptions(headers []string, data string, asJSON bool) ([]stealth.RequestOption, error) {
	var opts []stealth.RequestOption
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ":")
		opts = append(opts, stealth.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if data == "" {
		return opts, nil
	}

	body := []byte(data)
	if strings.HasPrefix(data, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, err
		}
		body = b
	}
	if asJSON {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("body is not valid JSON: %w", err)
		}
		return append(opts, stealth.WithJSON(v)), nil
	}
	return append(opts, stealth.WithContent(body)), nil
}

// stripMarkup reduces an HTML document to its text, one non-empty line per line.
func stripMarkup(body string) string {
	text := html.UnescapeString(bluemonday.StrictPolicy().Sanitize(body))
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
