package bypass

import (
	"net/http"
	"testing"

	"github.com/FranksOps/rotor/internal/storage"
)

func page(code int, headers http.Header, body string) *storage.ScrapeResult {
	if headers == nil {
		headers = http.Header{}
	}
	return &storage.ScrapeResult{StatusCode: code, Headers: headers, Body: []byte(body)}
}

func TestDetectors(t *testing.T) {
	tests := []struct {
		name   string
		detect Detector
		res    *storage.ScrapeResult
		want   string
	}{
		{"cloudflare header", detectCloudflare, page(403, http.Header{"Server": {"cloudflare"}}, "Access Denied"), "Cloudflare"},
		{"cloudflare turnstile", detectCloudflare, page(503, nil, "<html>... cf-turnstile ...</html>"), "Cloudflare"},
		{"cloudflare plain nginx", detectCloudflare, page(200, http.Header{"Server": {"nginx"}}, "OK"), ""},
		{"akamai header", detectAkamai, page(403, http.Header{"Server": {"AkamaiGHost"}}, ""), "Akamai"},
		{"akamai reference", detectAkamai, page(403, nil, "Access Denied... Reference #123.456"), "Akamai"},
		{"datadome header", detectDataDome, page(403, http.Header{"X-Datadome": {"1"}}, ""), "DataDome"},
		{"datadome captcha script", detectDataDome, page(403, nil, "script src='https://geo.captcha-delivery.com/...'"), "DataDome"},
		{"perimeterx header", detectPerimeterX, page(403, http.Header{"X-Px-Captcha": {"required"}}, ""), "PerimeterX"},
		{"perimeterx block", detectPerimeterX, page(403, nil, "window._pxBlock = true;"), "PerimeterX"},
		{"captcha interstitial", detectCaptchaWall, page(200, http.Header{"Content-Type": {"text/html"}}, "<title>Just a moment...</title>"), "Captcha"},
		{"captcha text on 404", detectCaptchaWall, page(404, nil, "<title>Just a moment...</title>"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detected, src := tt.detect(tt.res)
			if detected != (tt.want != "") || src != tt.want {
				t.Errorf("expected %q, got detected=%v source=%q", tt.want, detected, src)
			}
		})
	}
}

func TestAnalyze_UpdatesResult(t *testing.T) {
	detectors := DefaultDetectors()

	blocked := page(403, http.Header{"X-Datadome": {"1"}}, "")
	if !Analyze(blocked, detectors) {
		t.Fatal("expected a DataDome block page to be detected")
	}
	if !blocked.DetectedBot || blocked.DetectionSrc != "DataDome" {
		t.Errorf("expected detection recorded on result, got %v/%q", blocked.DetectedBot, blocked.DetectionSrc)
	}

	// a reused result must not keep a stale verdict
	blocked.StatusCode, blocked.Headers, blocked.Body = 200, http.Header{}, []byte("hello")
	if Analyze(blocked, detectors) {
		t.Error("expected an ordinary page not to be detected")
	}
	if blocked.DetectedBot || blocked.DetectionSrc != "" {
		t.Errorf("expected detection fields cleared, got %v/%q", blocked.DetectedBot, blocked.DetectionSrc)
	}
}

func TestGetHeader_CaseInsensitive(t *testing.T) {
	headers := map[string][]string{"x-datadome": {"1"}}
	if got := getHeader(headers, "X-DataDome"); got != "1" {
		t.Errorf("expected case-insensitive lookup, got %q", got)
	}
}
