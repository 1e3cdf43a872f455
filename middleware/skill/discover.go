package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Discover scans dirs for <dir>/<name>/SKILL.md entries. When the same
// name appears in several directories the first wins, so callers list
// higher-precedence directories first. Missing directories are skipped.
func Discover(dirs ...string) ([]Skill, error) {
	seen := make(map[string]bool)
	var skills []Skill
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("discover skills in %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			raw, err := os.ReadFile(path)
			if err != nil {
				// A directory without SKILL.md is not a skill.
				continue
			}
			sk := Parse(e.Name(), raw)
			sk.Path = path
			seen[e.Name()] = true
			skills = append(skills, sk)
		}
	}
	return skills, nil
}

// Parse builds a Skill from SKILL.md source. The display name is the
// first heading, the summary the first paragraph.
func Parse(name string, src []byte) Skill {
	sk := Skill{Name: name, DisplayName: name, Body: strings.TrimSpace(string(src))}
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var haveHeading, haveSummary bool
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if haveHeading && haveSummary {
			return ast.WalkStop, nil
		}
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			if !haveHeading {
				if t := plainText(n, src); t != "" {
					sk.DisplayName = t
				}
				haveHeading = true
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph:
			if !haveSummary {
				sk.Summary = plainText(n, src)
				haveSummary = true
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return sk
}

// plainText flattens the inline text under a block node, collapsing line
// breaks to spaces.
func plainText(node ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
