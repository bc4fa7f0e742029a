package menu

import "github.com/tessera-app/tessera/internal/authz"

// Node is one flat catalog row. A nil ParentID marks a root; an empty
// Permission makes the node publicly visible; an empty Scope makes it
// visible in every context type.
type Node struct {
	ID         int64
	ParentID   *int64
	Name       string
	Permission string
	Scope      authz.ScopeType
	SortOrder  int
}

// TreeNode is one assembled, permission-filtered menu entry.
type TreeNode struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	SortOrder int         `json:"sort_order"`
	Children  []*TreeNode `json:"children"`
}

// Diagnostic reports a catalog integrity defect found during assembly. The
// offending nodes are excluded from the tree; the response is not aborted.
type Diagnostic struct {
	NodeID int64
	Detail string
}
