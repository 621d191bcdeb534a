package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Profile represents a recognized TLS fingerprint profile.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard go TLS
	ProfileRandom  Profile = "random" // randomized uTLS profile
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom:
		return p, nil
	case "":
		return ProfileChrome, nil
	default:
		return "", fmt.Errorf("unknown profile %q", s)
	}
}

// Options configures a fingerprinted transport.
type Options struct {
	// Proxy routes every connection through an upstream proxy. Supported
	// schemes are socks5 and http. Nil means direct.
	Proxy *url.URL
	// DialTimeout bounds TCP connect and proxy handshake. Defaults to 10s.
	DialTimeout time.Duration
	// InsecureSkipVerify disables certificate verification. Tests only.
	InsecureSkipVerify bool
}

// Transport returns an http.RoundTripper configured with the specified
// TLS fingerprint profile. If the profile is "go", it returns a standard
// http.Transport using Go's proxy support. Otherwise the transport dials
// through the proxy itself and performs a uTLS handshake on top, so the
// ClientHello seen by the target matches the profile.
func Transport(p Profile, opts Options) (http.RoundTripper, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = false

	if p == ProfileGo {
		if opts.Proxy != nil {
			transport.Proxy = http.ProxyURL(opts.Proxy)
		}
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return transport, nil
	}

	var clientHelloID utls.ClientHelloID
	switch p {
	case ProfileChrome:
		clientHelloID = utls.HelloChrome_Auto
	case ProfileFirefox:
		clientHelloID = utls.HelloFirefox_Auto
	case ProfileSafari:
		clientHelloID = utls.HelloIOS_Auto
	case ProfileRandom:
		// no ALPN, so servers fall back to HTTP/1.1
		clientHelloID = utls.HelloRandomizedNoALPN
	default:
		return nil, fmt.Errorf("unknown profile %q", p)
	}

	dialer, err := Dialer(opts.Proxy, opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	if opts.Proxy != nil && opts.Proxy.Scheme == "http" {
		// plain http targets go through the proxy's forwarding mode
		proxyURL := opts.Proxy
		transport.Proxy = func(r *http.Request) (*url.URL, error) {
			if r.URL.Scheme == "http" {
				return proxyURL, nil
			}
			return nil, nil
		}
		transport.DialContext = (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr // fallback if no port
		}

		cfg := &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		var uConn *utls.UConn
		if p == ProfileRandom {
			uConn = utls.UClient(tcpConn, cfg, clientHelloID)
		} else {
			uConn = utls.UClient(tcpConn, cfg, utls.HelloCustom)
			if err := applyHTTP1Preset(uConn, clientHelloID); err != nil {
				_ = tcpConn.Close()
				return nil, err
			}
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("utls handshake failed: %w", err)
		}
		return uConn, nil
	}

	return transport, nil
}

// applyHTTP1Preset loads the ClientHello for id and narrows its ALPN offer
// to http/1.1. net/http only speaks HTTP/2 over *tls.Conn, so offering h2
// from a uTLS connection would break the exchange.
func applyHTTP1Preset(uConn *utls.UConn, id utls.ClientHelloID) error {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return fmt.Errorf("load client hello %s: %w", id.Str(), err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	if err := uConn.ApplyPreset(&spec); err != nil {
		return fmt.Errorf("apply client hello %s: %w", id.Str(), err)
	}
	return nil
}
