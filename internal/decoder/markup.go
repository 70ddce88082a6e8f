package decoder

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// element is a node of a leniently parsed payload document.
type element struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children []*element
	parent   *element
}

// parseMarkup builds an element tree from a payload document. It never
// fails: unclosed elements are closed at the end of input, stray end tags
// are ignored, and text outside any element is dropped.
func parseMarkup(b []byte) *element {
	root := &element{}
	cur := root

	z := html.NewTokenizer(bytes.NewReader(b))
	z.AllowCDATA(true)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return root
		case html.StartTagToken, html.SelfClosingTagToken:
			tt := z.Token()
			el := &element{name: tt.Data, parent: cur}
			if len(tt.Attr) > 0 {
				el.attrs = make(map[string]string, len(tt.Attr))
				for _, a := range tt.Attr {
					el.attrs[a.Key] = a.Val
				}
			}
			cur.children = append(cur.children, el)
			if tt.Type == html.StartTagToken {
				cur = el
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			for e := cur; e != root; e = e.parent {
				if e.name == string(name) {
					cur = e.parent
					break
				}
			}
		case html.TextToken:
			if cur != root {
				cur.text.Write(z.Text())
			}
		}
	}
}

// find returns the first element reached by following names from e, each
// step matching a direct child. A leading "msg" wrapper is optional.
func (e *element) find(names ...string) *element {
	if e == nil {
		return nil
	}
	if found := e.walk(names); found != nil {
		return found
	}
	if msg := e.child("msg"); msg != nil {
		return msg.walk(names)
	}
	return nil
}

func (e *element) walk(names []string) *element {
	cur := e
	for _, n := range names {
		cur = cur.child(n)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (e *element) child(name string) *element {
	if e == nil {
		return nil
	}
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Text returns the element's trimmed text with any CDATA wrapper removed.
func (e *element) Text() string {
	if e == nil {
		return ""
	}
	s := strings.TrimSpace(e.text.String())
	if strings.HasPrefix(s, "<![CDATA[") && strings.HasSuffix(s, "]]>") {
		s = strings.TrimSpace(s[len("<![CDATA[") : len(s)-len("]]>")])
	}
	return s
}

// Attr returns the named attribute, or "".
func (e *element) Attr(name string) string {
	if e == nil {
		return ""
	}
	return e.attrs[name]
}
