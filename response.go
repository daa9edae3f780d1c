package onvifctl

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

// Response wraps a parsed SOAP response envelope
type Response struct {
	raw  []byte
	doc  *etree.Document
	body *Node
}

// Node is a read-only view on an element of a response. Lookups match on
// local name, case-insensitively, ignoring namespace prefixes.
type Node struct {
	el *etree.Element
}

// parseResponse parses a SOAP envelope permissively
func parseResponse(raw []byte) (*Response, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, errors.Annotate(err, "parse response")
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty response document")
	}

	resp := &Response{raw: raw, doc: doc}
	rootNode := &Node{el: root}
	if b := rootNode.Child("Body"); b != nil {
		resp.body = b
	} else {
		// Some devices answer without an envelope
		resp.body = rootNode
	}
	return resp, nil
}

// rawResponse wraps a body that did not parse. Structured lookups find
// nothing and only Raw is useful.
func rawResponse(raw []byte) *Response {
	return &Response{raw: raw}
}

// Malformed reports whether the body failed to parse as XML
func (r *Response) Malformed() bool {
	return r != nil && r.doc == nil
}

// Raw returns the response body bytes as received
func (r *Response) Raw() []byte {
	if r == nil {
		return nil
	}
	return r.raw
}

// Body returns the SOAP Body element
func (r *Response) Body() *Node {
	if r == nil {
		return nil
	}
	return r.body
}

// Value returns the text at path below the Body, or "" when absent
func (r *Response) Value(path ...string) string {
	return r.Body().Child(path...).Text()
}

// List returns all elements matching the last path segment below the
// element addressed by the preceding segments
func (r *Response) List(path ...string) []*Node {
	if len(path) == 0 {
		return nil
	}
	parent := r.Body().Child(path[:len(path)-1]...)
	return parent.Children(path[len(path)-1])
}

// fault returns the Fault element if the body carries one
func (r *Response) fault() *Node {
	return r.Body().Child("Fault")
}

// Child walks path, taking the first matching direct child at each step.
// An empty path returns n.
func (n *Node) Child(path ...string) *Node {
	cur := n
	for _, name := range path {
		if cur == nil {
			return nil
		}
		var next *Node
		for _, c := range cur.el.ChildElements() {
			if strings.EqualFold(c.Tag, name) {
				next = &Node{el: c}
				break
			}
		}
		cur = next
	}
	return cur
}

// Children returns all direct children with the given local name
func (n *Node) Children(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.el.ChildElements() {
		if strings.EqualFold(c.Tag, name) {
			out = append(out, &Node{el: c})
		}
	}
	return out
}

// Find returns the first descendant with the given local name, depth first
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.el.ChildElements() {
		if strings.EqualFold(c.Tag, name) {
			return &Node{el: c}
		}
		if found := (&Node{el: c}).Find(name); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every descendant with the given local name in document order
func (n *Node) FindAll(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.el.ChildElements() {
		if strings.EqualFold(c.Tag, name) {
			out = append(out, &Node{el: c})
		}
		out = append(out, (&Node{el: c}).FindAll(name)...)
	}
	return out
}

// Name returns the local name of the element
func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.el.Tag
}

// Text returns the trimmed character data of the element
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.el.Text())
}

// Attr returns the first non-empty attribute among names, matched by local
// name case-insensitively
func (n *Node) Attr(names ...string) string {
	if n == nil {
		return ""
	}
	for _, name := range names {
		for _, a := range n.el.Attr {
			if strings.EqualFold(a.Key, name) && a.Value != "" {
				return a.Value
			}
		}
	}
	return ""
}
