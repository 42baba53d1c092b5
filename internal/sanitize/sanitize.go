// Package sanitize cleans event descriptions before they are written to a
// calendar. Images, scripts and styles are dropped; all other markup is kept.
package sanitize

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped lists the elements removed together with their content.
var dropped = map[atom.Atom]bool{
	atom.Img:    true,
	atom.Script: true,
	atom.Style:  true,
}

// Sanitize returns raw with every img, script and style element removed.
// Malformed input is repaired the way the HTML5 parser repairs it.
func Sanitize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(raw), body)
	if err != nil {
		// The parser only fails on reader errors, which a strings.Reader never returns.
		return raw
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		prune(n)
		if drop(n) {
			continue
		}
		if err := html.Render(&buf, n); err != nil {
			return raw
		}
	}
	return buf.String()
}

func drop(n *html.Node) bool {
	return n.Type == html.ElementNode && dropped[n.DataAtom]
}

// prune removes dropped descendants of n in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if drop(c) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}
