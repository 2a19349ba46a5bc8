// Package specpipeline converts a free-form requirements document into a
// normalized app-spec and a deduplicated feature list, and supports
// incremental spec updates via a diff/map/merge workflow (spec §4.5).
package specpipeline

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Chunk is one heading-delimited section of an input document.
type Chunk struct {
	Section string // heading text, "" for content before any heading
	Body    string
}

// ChunkDocument splits raw into sections by heading, walking a goldmark AST
// (spec §4.5 step 1: "chunk the input by headings/sections").
func ChunkDocument(raw string) []Chunk {
	source := []byte(raw)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var chunks []Chunk
	var current *Chunk

	push := func() {
		if current != nil && strings.TrimSpace(current.Body) != "" {
			chunks = append(chunks, *current)
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			push()
			current = &Chunk{Section: textOf(node, source)}
		case *ast.Paragraph, *ast.TextBlock:
			if current == nil {
				current = &Chunk{Section: ""}
			}
			current.Body += textOf(node, source) + "\n\n"
		case *ast.ListItem:
			if current == nil {
				current = &Chunk{Section: ""}
			}
			current.Body += "- " + textOf(node, source) + "\n"
		}
		return ast.WalkContinue, nil
	})
	push()
	return chunks
}

func textOf(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		} else {
			buf.WriteString(textOf(c, source))
		}
	}
	return strings.TrimSpace(buf.String())
}
