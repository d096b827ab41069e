package fetch

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detector decides whether static markup came back as a script shell that
// needs a real browser before the quotes table exists in the DOM.
type Detector struct {
	minHTMLBytes int
	selectors    []string
	keywords     [][]byte
}

// Markers of a script bootstrap or an anti-bot interstitial rather than
// served content.
var defaultKeywords = []string{
	"enable javascript",
	"__next_data__",
	"cf-browser-verification",
	"just a moment",
}

// NewDetector constructs a Detector tuned for the quotes page: a real page
// is at least a couple of KB and carries an HTML table.
func NewDetector() *Detector {
	return newDetector(2048, []string{"table"}, defaultKeywords)
}

func newDetector(minBytes int, selectors, keywords []string) *Detector {
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &Detector{minHTMLBytes: minBytes, selectors: selectors, keywords: lowered}
}

// ShouldRender inspects markup for signals that JS rendering is required.
func (d *Detector) ShouldRender(markup []byte) bool {
	if d == nil {
		return false
	}
	switch {
	case d.bodyBelowThreshold(markup):
		return true
	case d.containsKeywords(markup):
		return true
	default:
		return d.missingSelectors(markup)
	}
}

func (d *Detector) bodyBelowThreshold(body []byte) bool {
	return d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes
}

func (d *Detector) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) missingSelectors(body []byte) bool {
	if len(d.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}
