package proto

import (
	"fmt"
	"strings"
)

// Element is one node of the bracketed, human-auditable payload grammar
// described in spec.md §4.3, e.g.
//
//	<CLIENT-ID><CLIENT><ID>4</ID><NONCE>2</NONCE></CLIENT></CLIENT-ID>
//
// The grammar itself is not load-bearing (spec.md is explicit about
// this); what matters is that every message kind's payload is
// self-delimiting and round-trips through Render/parseElement.
type Element struct {
	Name        string
	Text        string // leaf body; empty when Children is non-empty
	Children    []Element
	SelfClosing bool // "<NAME />", used for boolean/unit markers
}

func flagElem(name string) Element {
	return Element{Name: name, SelfClosing: true}
}

func textElem(name, text string) Element {
	return Element{Name: name, Text: escape(text)}
}

func intElem(name string, v int64) Element {
	return Element{Name: name, Text: fmt.Sprintf("%d", v)}
}

func boolElem(name string, v bool) Element {
	if v {
		return Element{Name: name, Children: []Element{flagElem("TRUE")}}
	}
	return Element{Name: name, Children: []Element{flagElem("FALSE")}}
}

func wrap(name string, children ...Element) Element {
	return Element{Name: name, Children: children}
}

// Render serializes e into its bracketed textual form.
func (e Element) Render() string {
	if e.SelfClosing {
		return "<" + e.Name + " />"
	}
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.Name)
	b.WriteByte('>')
	if len(e.Children) > 0 {
		for _, c := range e.Children {
			b.WriteString(c.Render())
		}
	} else {
		b.WriteString(e.Text)
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteByte('>')
	return b.String()
}

// Bool interprets e as a boolElem-style wrapper around TRUE/FALSE.
func (e Element) Bool() bool {
	for _, c := range e.Children {
		if c.Name == "TRUE" {
			return true
		}
	}
	return false
}

// Child returns the first direct child named name, if any.
func (e Element) Child(name string) (Element, bool) {
	for _, c := range e.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Element{}, false
}

// ChildText returns the unescaped text body of the named child.
func (e Element) ChildText(name string) string {
	c, ok := e.Child(name)
	if !ok {
		return ""
	}
	return unescape(c.Text)
}

// ChildInt returns the named child's text parsed as an integer.
func (e Element) ChildInt(name string) int64 {
	c, ok := e.Child(name)
	if !ok {
		return 0
	}
	var v int64
	fmt.Sscanf(c.Text, "%d", &v)
	return v
}

// ChildBool returns whether the named child is a boolElem wrapper set true.
func (e Element) ChildBool(name string) bool {
	c, ok := e.Child(name)
	if !ok {
		return false
	}
	return c.Bool()
}

// parseElement parses a single element from the front of data, returning
// the element and the unconsumed remainder.
func parseElement(data string) (Element, string, error) {
	data = strings.TrimLeft(data, " \t\r\n")
	if !strings.HasPrefix(data, "<") {
		return Element{}, data, fmt.Errorf("proto: expected '<' at %q", truncate(data))
	}
	close := strings.IndexByte(data, '>')
	if close < 0 {
		return Element{}, data, fmt.Errorf("proto: unterminated tag at %q", truncate(data))
	}
	head := data[1:close]
	rest := data[close+1:]

	if strings.HasSuffix(head, "/") {
		name := strings.TrimSpace(strings.TrimSuffix(head, "/"))
		return Element{Name: name, SelfClosing: true}, rest, nil
	}

	name := strings.TrimSpace(head)
	closeTag := "</" + name + ">"

	if strings.HasPrefix(rest, "<") {
		var children []Element
		for !strings.HasPrefix(rest, closeTag) {
			if rest == "" {
				return Element{}, rest, fmt.Errorf("proto: missing close tag %q", closeTag)
			}
			var child Element
			var err error
			child, rest, err = parseElement(rest)
			if err != nil {
				return Element{}, rest, err
			}
			children = append(children, child)
			rest = strings.TrimLeft(rest, " \t\r\n")
		}
		return Element{Name: name, Children: children}, rest[len(closeTag):], nil
	}

	idx := strings.Index(rest, closeTag)
	if idx < 0 {
		return Element{}, rest, fmt.Errorf("proto: missing close tag %q", closeTag)
	}
	return Element{Name: name, Text: rest[:idx]}, rest[idx+len(closeTag):], nil
}

// parseRoot parses data as exactly one top-level Element, erroring on any
// trailing, non-whitespace bytes.
func parseRoot(data []byte) (Element, error) {
	el, rest, err := parseElement(string(data))
	if err != nil {
		return Element{}, err
	}
	if strings.TrimSpace(rest) != "" {
		return Element{}, fmt.Errorf("proto: trailing data after root element: %q", truncate(rest))
	}
	return el, nil
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func unescape(s string) string {
	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
	return r.Replace(s)
}
