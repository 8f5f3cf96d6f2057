package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	tagPattern     = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?>`)
	tagNamePattern = regexp.MustCompile(`</?([a-zA-Z0-9]+)`)
	singlePara     = regexp.MustCompile(`^<p>([\s\S]*?)</p>$`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

var supportedTags = map[string]bool{
	"p": true, "br": true, "strong": true, "em": true, "del": true,
	"code": true, "pre": true, "a": true, "ul": true, "ol": true, "li": true,
	"blockquote": true,
}

// ToHTML renders a chat message to a small HTML subset. Raw HTML in the
// message is dropped and links open in a new tab.
func ToHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.SkipHTML | blackfriday.SkipImages | blackfriday.Safelink |
			blackfriday.NofollowLinks | blackfriday.NoreferrerLinks | blackfriday.HrefTargetBlank,
	})
	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithRenderer(renderer),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	))

	return cleanHTML(html)
}

// cleanHTML keeps supported tags and unwraps a lone paragraph
func cleanHTML(html string) string {
	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := tagNamePattern.FindStringSubmatch(match)
		if len(tagMatch) > 1 && supportedTags[strings.ToLower(tagMatch[1])] {
			return match
		}
		return ""
	})

	html = strings.TrimSpace(blankLines.ReplaceAllString(html, "\n\n"))
	if m := singlePara.FindStringSubmatch(html); m != nil && !strings.Contains(m[1], "<p>") {
		html = m[1]
	}
	return html
}
