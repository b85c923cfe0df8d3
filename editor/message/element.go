package message

// Rect is an element's bounding box in surface CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DomElementSnapshot describes one rendered element at capture time.
type DomElementSnapshot struct {
	// Selector is stable and unique within its surface.
	Selector string            `json:"selector"`
	TagName  string            `json:"tagName,omitempty"`
	Oid      string            `json:"oid,omitempty"` // data-oid attribute, if any
	Rect     Rect              `json:"rect"`
	Styles   map[string]string `json:"styles,omitempty"`
}

// Clone returns a deep copy; the state store never keeps a snapshot it did
// not copy.
func (s DomElementSnapshot) Clone() DomElementSnapshot {
	out := s
	if s.Styles != nil {
		out.Styles = make(map[string]string, len(s.Styles))
		for k, v := range s.Styles {
			out.Styles[k] = v
		}
	}
	return out
}

// DomNode is the editor-side view of a surface's element tree.
type DomNode struct {
	Selector string     `json:"selector"`
	Tag      string     `json:"tag"`
	Oid      string     `json:"oid,omitempty"`
	Children []*DomNode `json:"children,omitempty"`
}

// Find returns the node with the given selector in the subtree, or nil.
func (n *DomNode) Find(selector string) *DomNode {
	if n == nil {
		return nil
	}
	if n.Selector == selector {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(selector); f != nil {
			return f
		}
	}
	return nil
}

// Path returns the selectors from n down to the node with selector, or nil
// when it is not in the subtree.
func (n *DomNode) Path(selector string) []string {
	if n == nil {
		return nil
	}
	if n.Selector == selector {
		return []string{n.Selector}
	}
	for _, c := range n.Children {
		if p := c.Path(selector); p != nil {
			return append([]string{n.Selector}, p...)
		}
	}
	return nil
}

// Count returns the number of nodes in the subtree.
func (n *DomNode) Count() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// EditorMode governs which preview events are meaningful.
type EditorMode string

const (
	ModeDesign   EditorMode = "design"
	ModeInteract EditorMode = "interact"
	ModePan      EditorMode = "pan"
)

// Valid reports whether m is a known mode.
func (m EditorMode) Valid() bool {
	switch m {
	case ModeDesign, ModeInteract, ModePan:
		return true
	}
	return false
}

// Clone returns a deep copy of the subtree.
func (n *DomNode) Clone() *DomNode {
	if n == nil {
		return nil
	}
	out := &DomNode{Selector: n.Selector, Tag: n.Tag, Oid: n.Oid}
	if len(n.Children) > 0 {
		out.Children = make([]*DomNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Replace swaps the descendant whose selector matches sub.Selector for sub.
// It reports whether a node was replaced. The receiver itself is never
// replaced; callers handle a root match.
func (n *DomNode) Replace(sub *DomNode) bool {
	if n == nil || sub == nil {
		return false
	}
	for i, c := range n.Children {
		if c.Selector == sub.Selector {
			n.Children[i] = sub
			return true
		}
		if c.Replace(sub) {
			return true
		}
	}
	return false
}
