package web

import (
	"html"
	"strings"
	"unicode"
)

// stripHTML is the fallback when readability cannot parse a page: drop
// tags and script/style bodies, decode entities, collapse whitespace.
func stripHTML(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag, inScript, inStyle := false, false, false
	var tag strings.Builder
	naming := false

	for _, r := range content {
		if r == '<' {
			inTag = true
			naming = true
			tag.Reset()
			continue
		}
		if inTag {
			if naming {
				if r == '>' || unicode.IsSpace(r) || (r == '/' && tag.Len() > 0) {
					naming = false
					name := strings.ToLower(tag.String())
					switch name {
					case "script":
						inScript = true
					case "/script":
						inScript = false
					case "style":
						inStyle = true
					case "/style":
						inStyle = false
					}
					if blockTag(name) {
						b.WriteByte('\n')
					}
				} else {
					tag.WriteRune(r)
				}
			}
			if r == '>' {
				inTag = false
			}
			continue
		}
		if inScript || inStyle {
			continue
		}
		b.WriteRune(r)
	}

	return collapseWhitespace(html.UnescapeString(b.String()))
}

func blockTag(tag string) bool {
	switch strings.TrimPrefix(tag, "/") {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

// collapseWhitespace trims each line and squeezes runs of blank lines
// down to one.
func collapseWhitespace(text string) string {
	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank > 0 {
				b.WriteByte('\n')
			}
		}
		b.WriteString(line)
		blank = 0
	}
	return b.String()
}
