package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// LoadFile reads a proxy list from a file, expecting one entry per line.
// See ParseList for the accepted format.
func LoadFile(path string, defaultProtocol Protocol) ([]Endpoint, []error, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer file.Close()

	return ParseList(file, defaultProtocol)
}

// ParseList reads proxies from r. Each line is either "host:port", which is
// given defaultProtocol, or "scheme://[user:pass@]host:port". Lines starting
// with '#' and empty lines are ignored. Lines that cannot be parsed are
// reported as *MalformedEntryError values and skipped; the returned error is
// only set when r itself fails.
func ParseList(r io.Reader, defaultProtocol Protocol) ([]Endpoint, []error, error) {
	if defaultProtocol == "" {
		defaultProtocol = ProtocolSOCKS5
	}

	scanner := bufio.NewScanner(r)
	var (
		endpoints []Endpoint
		malformed []error
		lineNo    int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ep, reason := ParseEndpoint(line, defaultProtocol)
		if reason != "" {
			malformed = append(malformed, &MalformedEntryError{Line: lineNo, Raw: line, Reason: reason})
			continue
		}
		endpoints = append(endpoints, ep)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read proxy list: %w", err)
	}
	return endpoints, malformed, nil
}

// ParseEndpoint parses a single proxy entry. On failure it returns a
// non-empty reason describing what is wrong with the entry.
func ParseEndpoint(raw string, defaultProtocol Protocol) (Endpoint, string) {
	if !strings.Contains(raw, "://") {
		raw = string(defaultProtocol) + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, "invalid url"
	}

	protocol, err := ParseProtocol(strings.ToLower(u.Scheme))
	if err != nil {
		return Endpoint{}, err.Error()
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, "missing host"
	}
	if u.Port() == "" {
		return Endpoint{}, "missing port"
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, "port out of range"
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, "unexpected path"
	}

	ep := Endpoint{
		Address:  host,
		Port:     port,
		Protocol: protocol,
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, ""
}
