package content

import (
	"fmt"
	"strings"

	"github.com/httptim/rednetd/internal/rederr"
)

// Node kinds in a parsed page.
const (
	NodeHeading = "heading"
	NodeText    = "text"
	NodeLink    = "link"
)

// Node is one element of a parsed page.
type Node struct {
	Kind   string
	Level  int    // headings: 1..3
	Text   string
	Target string // links: destination URL
}

// AST is a parsed page plus the metadata extracted from it.
type AST struct {
	Title string
	Nodes []Node
	Links []string
}

// Parser turns raw page bytes into an AST. The default implementation
// handles the native markup; other formats can plug in their own.
type Parser interface {
	Parse(data []byte) (*AST, error)
}

// MarkupParser parses the native page markup: "#"-prefixed headings,
// [label](target) links, and plain text lines. Blank lines separate
// blocks.
type MarkupParser struct{}

// Parse implements Parser.
func (MarkupParser) Parse(data []byte) (*AST, error) {
	ast := &AST{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			level := 0
			for level < len(line) && line[level] == '#' && level < 3 {
				level++
			}
			text := strings.TrimSpace(line[level:])
			if text == "" {
				return nil, fmt.Errorf("heading without text: %w", rederr.ErrValidation)
			}
			ast.Nodes = append(ast.Nodes, Node{Kind: NodeHeading, Level: level, Text: text})
			if ast.Title == "" {
				ast.Title = text
			}
			continue
		}

		parseLine(ast, line)
	}
	return ast, nil
}

// parseLine splits one text line into text and link nodes.
func parseLine(ast *AST, line string) {
	rest := line
	for {
		open := strings.IndexByte(rest, '[')
		if open < 0 {
			break
		}
		mid := strings.Index(rest[open:], "](")
		if mid < 0 {
			break
		}
		close := strings.IndexByte(rest[open+mid:], ')')
		if close < 0 {
			break
		}

		if open > 0 {
			ast.Nodes = append(ast.Nodes, Node{Kind: NodeText, Text: rest[:open]})
		}
		label := rest[open+1 : open+mid]
		target := rest[open+mid+2 : open+mid+close]
		ast.Nodes = append(ast.Nodes, Node{Kind: NodeLink, Text: label, Target: target})
		ast.Links = append(ast.Links, target)
		rest = rest[open+mid+close+1:]
	}
	if rest != "" {
		ast.Nodes = append(ast.Nodes, Node{Kind: NodeText, Text: rest})
	}
}

// PlainText flattens the page for indexing and snippets.
func (a *AST) PlainText() string {
	var parts []string
	for _, n := range a.Nodes {
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
