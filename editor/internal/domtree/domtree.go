// Package domtree converts a surface's serialized subtree into the editor's
// element tree.
package domtree

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/canvasync/editor/message"
)

// OidAttr is the attribute the surface uses to tag authored elements.
const OidAttr = "data-oid"

// Parse builds a DomNode tree from the outerHTML of one element. The root
// takes selector; descendants get `[data-oid="…"]` when tagged, otherwise a
// positional selector relative to their parent.
func Parse(selector, outerHTML string) (*message.DomNode, error) {
	outerHTML = strings.TrimSpace(outerHTML)
	if outerHTML == "" {
		return nil, fmt.Errorf("domtree: empty subtree for %q", selector)
	}

	root, err := parseRoot(outerHTML)
	if err != nil {
		return nil, fmt.Errorf("domtree: parse %q: %w", selector, err)
	}
	if root == nil {
		return nil, fmt.Errorf("domtree: no element in subtree for %q", selector)
	}
	if selector == "" {
		selector = selectorFor(root, "", 0)
	}
	return build(root, selector), nil
}

// parseRoot returns the first element of the fragment. Documents and body
// elements go through the full parser since fragment parsing strips them.
func parseRoot(src string) (*html.Node, error) {
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "<html") || strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<body") {
		doc, err := html.Parse(strings.NewReader(src))
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(lower, "<body") {
			return findAtom(doc, atom.Body), nil
		}
		return findAtom(doc, atom.Html), nil
	}

	parent := fragmentContext(leadingTag(lower))
	ctx := &html.Node{Type: html.ElementNode, Data: parent.String(), DataAtom: parent}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n, nil
		}
	}
	return nil, nil
}

// fragmentContext is the parent element an element with tag can be parsed
// in. Table and select parts are dropped by the parser anywhere else.
func fragmentContext(tag string) atom.Atom {
	switch tag {
	case "tr":
		return atom.Tbody
	case "td", "th":
		return atom.Tr
	case "tbody", "thead", "tfoot", "caption", "colgroup":
		return atom.Table
	case "col":
		return atom.Colgroup
	case "option", "optgroup":
		return atom.Select
	}
	return atom.Body
}

// leadingTag returns the lower-case name of the first start tag in src.
func leadingTag(src string) string {
	if !strings.HasPrefix(src, "<") {
		return ""
	}
	end := strings.IndexAny(src[1:], " \t\n\r\f/>")
	if end < 0 {
		return src[1:]
	}
	return src[1 : end+1]
}

func build(n *html.Node, selector string) *message.DomNode {
	out := &message.DomNode{
		Selector: selector,
		Tag:      n.Data,
		Oid:      attr(n, OidAttr),
	}
	pos := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		pos++
		out.Children = append(out.Children, build(c, selectorFor(c, selector, pos)))
	}
	return out
}

func selectorFor(n *html.Node, parent string, pos int) string {
	if oid := attr(n, OidAttr); oid != "" {
		return "[" + OidAttr + "=" + strconv.Quote(oid) + "]"
	}
	if id := attr(n, "id"); id != "" && isIdent(id) {
		return "#" + id
	}
	if parent == "" || pos == 0 {
		return n.Data
	}
	return parent + " > " + n.Data + ":nth-child(" + strconv.Itoa(pos) + ")"
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// isIdent reports whether id is usable unescaped after '#'.
func isIdent(id string) bool {
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func findAtom(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findAtom(c, a); f != nil {
			return f
		}
	}
	return nil
}
