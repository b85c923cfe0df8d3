// Package ide tracks which external editor is active, persists the choice
// through the settings collaborator and opens source locations in it.
package ide

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hazyhaar/canvasync/editor/message"
)

// Type is the persisted tag of an IDE integration.
type Type string

const (
	TypeVSCode Type = "vscode"
	TypeCursor Type = "cursor"
	TypeZed    Type = "zed"
)

// Descriptor identifies one supported editor integration.
type Descriptor struct {
	Type        Type   `json:"type"`
	DisplayName string `json:"displayName"`
	Icon        string `json:"icon"`
	// Scheme is the URL scheme the editor registers with the OS.
	Scheme string `json:"scheme"`
}

func (d Descriptor) String() string { return d.DisplayName }

var (
	VSCode = Descriptor{Type: TypeVSCode, DisplayName: "VS Code", Icon: "vscode.svg", Scheme: "vscode"}
	Cursor = Descriptor{Type: TypeCursor, DisplayName: "Cursor", Icon: "cursor.svg", Scheme: "cursor"}
	Zed    = Descriptor{Type: TypeZed, DisplayName: "Zed", Icon: "zed.svg", Scheme: "zed"}
)

// Default is the baseline used when nothing valid is persisted.
var Default = VSCode

// All returns the catalog in display order.
func All() []Descriptor {
	return []Descriptor{VSCode, Cursor, Zed}
}

// FromType returns the descriptor for t. Unknown or empty tags yield
// Default and false.
func FromType(t Type) (Descriptor, bool) {
	for _, d := range All() {
		if d.Type == t {
			return d, true
		}
	}
	return Default, false
}

// URL builds the editor link for node: <scheme>://file/<path>:<line>:<col>.
func (d Descriptor) URL(node message.TemplateNode) (string, error) {
	if node.Path == "" {
		return "", fmt.Errorf("ide: %s: empty path", d.Type)
	}
	p := node.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: d.Scheme, Host: "file", Path: p}
	line, col := node.StartTag.Line, node.StartTag.Column
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}
	return fmt.Sprintf("%s:%d:%d", u.String(), line, col), nil
}
