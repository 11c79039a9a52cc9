package markup

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/use-agent/cardrender/models"
	"golang.org/x/net/html"
)

// Prepare normalises caller-supplied markup before it is submitted to the
// backend:
//
//   - parses it into a full document (html/head/body are synthesised)
//   - unless allowScripts, removes <script> elements, inline event handlers
//     and javascript: URLs, along with nested documents (frames, objects,
//     embeds) and http-equiv meta tags that could navigate the page
//   - adds <meta charset="utf-8"> when no charset is declared
//   - appends ReadyScript unless the document already sets cardReady itself
func Prepare(raw string, allowScripts bool) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", models.NewRenderError(models.ErrCodeInvalidInput, "markup could not be parsed", err)
	}

	if !allowScripts {
		doc.Find("script").Remove()
		doc.Find(embeddedDocuments).Remove()
		doc.Find("*").Each(func(_ int, s *goquery.Selection) {
			for _, n := range s.Nodes {
				n.Attr = scrubAttrs(n.Attr)
			}
		})
	}

	head := doc.Find("head").First()
	if head.Find("meta[charset]").Length() == 0 {
		head.PrependHtml(`<meta charset="utf-8">`)
	}

	if !allowScripts || !strings.Contains(raw, "cardReady") {
		doc.Find("body").First().AppendHtml("<script>" + ReadyScript + "</script>")
	}

	out, err := doc.Html()
	if err != nil {
		return "", models.NewRenderError(models.ErrCodeInvalidInput, "markup could not be serialised", err)
	}
	return out, nil
}

// embeddedDocuments matches elements that load or navigate to another
// document on their own.
const embeddedDocuments = "iframe, frame, frameset, object, embed, meta[http-equiv]"

// scrubAttrs drops on* handlers and javascript: URLs.
func scrubAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// ValidateSelector checks that sel is a CSS selector the capture step can
// use. An empty selector is valid and means "whole viewport".
func ValidateSelector(sel string) error {
	if sel == "" {
		return nil
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return models.NewRenderError(models.ErrCodeInvalidInput,
			fmt.Sprintf("selector %q is not valid CSS", sel), err)
	}
	return nil
}
