package proxy

// Kind classifies the result of one fetch attempt through one proxy.
type Kind int

const (
	// Success means the target answered with a usable response.
	Success Kind = iota
	// TargetFailure means the remote site rejected the request or returned
	// unusable content. It does not count against the proxy.
	TargetFailure
	// ProxyFailure means the proxy itself failed: connect, handshake or timeout.
	ProxyFailure
	// Aborted releases a reservation without touching health, used when a
	// run is cancelled while the proxy is in flight.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TargetFailure:
		return "target_failure"
	case ProxyFailure:
		return "proxy_failure"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is what a caller reports back to the pool after using a proxy.
type Outcome struct {
	Kind       Kind
	StatusCode int    // 0 when no HTTP response was received
	Reason     string // short human readable cause for failures
}
