package bypass

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/FranksOps/rotor/internal/storage"
	"github.com/PuerkitoBio/goquery"
)

// Inspect checks that a response body is usable content. Non-HTML bodies
// only need to be non-empty. HTML bodies must parse to a document with
// visible text or elements, and must contain requiredSelector when it is
// set. A non-empty reason is returned when the body is unusable.
func Inspect(res *storage.ScrapeResult, requiredSelector string) string {
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return "empty body"
	}
	if !isHTML(res) {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return fmt.Sprintf("unparsable html: %v", err)
	}

	body := doc.Find("body")
	if strings.TrimSpace(body.Text()) == "" && body.Children().Length() == 0 {
		return "empty document"
	}

	if requiredSelector != "" && doc.Find(requiredSelector).Length() == 0 {
		return fmt.Sprintf("selector %q not found", requiredSelector)
	}
	return ""
}

func isHTML(res *storage.ScrapeResult) bool {
	ct := getHeader(res.Headers, "Content-Type")
	if ct == "" {
		sniff := bytes.ToLower(bytes.TrimSpace(res.Body))
		return bytes.HasPrefix(sniff, []byte("<!doctype html")) || bytes.HasPrefix(sniff, []byte("<html"))
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
