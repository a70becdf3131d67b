// Package tlsclient is the in-process engine driver, built on github.com/bogdanfinn/tls-client.
//
// Every engine session is one tls-client instance impersonating one browser profile.
// Profile identifiers are the keys of tls-client's profile table, e.g. "chrome_133",
// "firefox_135" or "safari_ios_18_0", and are matched case-insensitively.
//
// Features:
//   - TLS Fingerprinting: ClientHello, extension order and HTTP/2 settings of the profile
//   - User-Agent Matching: a profile-matching User-Agent is added when the caller sets none
//   - Header Order: headers go out in the order the caller gave them
//   - Error Classification: transport failures are reported as timeout, connect or request
//
// Example Usage:
//
//	h, err := engine.Open(tlsclient.NewDriver(), "chrome_133", engine.Config{FollowRedirects: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
// Most callers never use the driver directly; stealth.NewSession selects it by default.
package tlsclient
