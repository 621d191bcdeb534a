package bypass

import (
	"bytes"
	"net/http"
	"slices"
	"strings"

	"github.com/FranksOps/rotor/internal/storage"
)

// Detector examines a fetch result to determine if a bot protection mechanism
// blocked or challenged the request.
type Detector func(res *storage.ScrapeResult) (detected bool, source string)

// signature describes how one vendor's block or challenge page looks.
type signature struct {
	source   string
	statuses []int
	// server matches a substring of the lowercased Server header
	server string
	// headers match when any of them is present
	headers []string
	// bodyAny matches when any marker is in the body
	bodyAny []string
	// bodyAll matches when every marker is in the body
	bodyAll []string
}

func (s signature) detect(res *storage.ScrapeResult) (bool, string) {
	if len(s.statuses) > 0 && !slices.Contains(s.statuses, res.StatusCode) {
		return false, ""
	}
	if s.server != "" && strings.Contains(strings.ToLower(getHeader(res.Headers, "Server")), s.server) {
		return true, s.source
	}
	for _, h := range s.headers {
		if getHeader(res.Headers, h) != "" {
			return true, s.source
		}
	}
	for _, m := range s.bodyAny {
		if bytes.Contains(res.Body, []byte(m)) {
			return true, s.source
		}
	}
	if len(s.bodyAll) > 0 {
		for _, m := range s.bodyAll {
			if !bytes.Contains(res.Body, []byte(m)) {
				return false, ""
			}
		}
		return true, s.source
	}
	return false, ""
}

var (
	cloudflare = signature{
		source:   "Cloudflare",
		statuses: []int{http.StatusForbidden, http.StatusServiceUnavailable},
		server:   "cloudflare",
		bodyAny: []string{
			"cf-browser-verification",
			"cloudflare-nginx",
			"cf-turnstile",
			"Attention Required! | Cloudflare",
			"/cdn-cgi/challenge-platform/",
		},
	}
	akamai = signature{
		source:   "Akamai",
		statuses: []int{http.StatusForbidden},
		server:   "akamai",
		// generic "Reference #" block page
		bodyAll: []string{"Reference #", "Access Denied"},
	}
	dataDome = signature{
		source:   "DataDome",
		statuses: []int{http.StatusForbidden},
		server:   "datadome",
		headers:  []string{"X-DataDome", "X-DataDome-Response"},
		bodyAny:  []string{"geo.captcha-delivery.com", "datadome"},
	}
	perimeterX = signature{
		source:   "PerimeterX",
		statuses: []int{http.StatusForbidden},
		headers:  []string{"X-Px-Captcha"},
		bodyAny:  []string{"client.perimeterx.net", "px-captcha", "_pxBlock"},
	}
	// captchaWall catches interstitials served with 200, which would
	// otherwise be mistaken for content.
	captchaWall = signature{
		source:   "Captcha",
		statuses: []int{http.StatusOK},
		bodyAny: []string{
			"Just a moment...",
			"cf-chl-bypass",
			"g-recaptcha\" data-sitekey",
			"h-captcha\" data-sitekey",
			"Please verify you are a human",
		},
	}
)

// DefaultDetectors returns the standard list of bot protection detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectCaptchaWall,
	}
}

func detectCloudflare(res *storage.ScrapeResult) (bool, string)  { return cloudflare.detect(res) }
func detectAkamai(res *storage.ScrapeResult) (bool, string)      { return akamai.detect(res) }
func detectDataDome(res *storage.ScrapeResult) (bool, string)    { return dataDome.detect(res) }
func detectPerimeterX(res *storage.ScrapeResult) (bool, string)  { return perimeterX.detect(res) }
func detectCaptchaWall(res *storage.ScrapeResult) (bool, string) { return captchaWall.detect(res) }

// Analyze runs the result through all provided detectors. It updates the result
// in place with the detection status and returns true if any detection triggered.
func Analyze(res *storage.ScrapeResult, detectors []Detector) bool {
	if res == nil {
		return false
	}
	for _, d := range detectors {
		if detected, source := d(res); detected {
			res.DetectedBot = true
			res.DetectionSrc = source
			return true
		}
	}
	res.DetectedBot = false
	res.DetectionSrc = ""
	return false
}

func getHeader(headers map[string][]string, key string) string {
	if vals, ok := headers[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	for k, vals := range headers {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
