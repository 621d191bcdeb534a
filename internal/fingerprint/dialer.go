package fingerprint

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ConnectError is returned when an HTTP proxy refuses a CONNECT request.
type ConnectError struct {
	StatusCode int
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("proxy refused CONNECT: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Dialer returns a dialer that opens TCP connections through the proxy at u.
// A nil u dials directly.
func Dialer(u *url.URL, timeout time.Duration) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if u == nil {
		return direct, nil
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		return cd, nil
	case "http":
		return &connectDialer{proxyAddr: u.Host, user: u.User, forward: direct}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// connectDialer tunnels through an HTTP proxy using the CONNECT method.
type connectDialer struct {
	proxyAddr string
	user      *url.Userinfo
	forward   *net.Dialer
}

func (d *connectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != nil {
		pass, _ := d.user.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, &ConnectError{StatusCode: resp.StatusCode}
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
