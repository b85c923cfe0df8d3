package message

import "fmt"

// TemplateRole distinguishes a rendered instance from the component's
// defining node.
type TemplateRole string

const (
	RoleInstance TemplateRole = "instance"
	RoleRoot     TemplateRole = "root"
)

// Position is a 1-based line/column in a source file.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// TemplateNode locates an element in authoring-time source.
type TemplateNode struct {
	Path      string       `json:"path"`
	StartTag  Position     `json:"startTag"`
	EndTag    *Position    `json:"endTag,omitempty"`
	Component string       `json:"component,omitempty"`
	Role      TemplateRole `json:"role"`
}

func (n TemplateNode) String() string {
	return fmt.Sprintf("%s:%d:%d", n.Path, n.StartTag.Line, n.StartTag.Column)
}

// SourcePair is the resolution of a selection to source. Either half may be
// nil: no selection and unresolved selectors are normal outcomes.
type SourcePair struct {
	Instance *TemplateNode `json:"instance"`
	Root     *TemplateNode `json:"root"`
}

// Preferred returns the instance when known, otherwise the root.
func (p SourcePair) Preferred() *TemplateNode {
	if p.Instance != nil {
		return p.Instance
	}
	return p.Root
}
