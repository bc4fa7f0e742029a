package menu

import (
	"fmt"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/tessera-app/tessera/internal/authz"
)

// BuildTree filters the flat catalog against the resolved permission set and
// assembles the hierarchical menu. It is pure: identical input produces
// identical output, including child ordering.
//
// A node is visible when adminBypass is set, or its required permission is
// empty or held, and its scope flag covers the current scope type. Visible
// nodes attach to their parent only when the parent itself is visible and
// well-formed; orphans are dropped, never promoted to root. Nodes on a
// parent-reference cycle are excluded and reported as diagnostics.
func BuildTree(nodes []Node, perms authz.PermissionSet, scopeType authz.ScopeType, adminBypass bool) ([]*TreeNode, []Diagnostic) {
	byID := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	cyclic, diags := findCycles(nodes, byID)

	built := make(map[int64]*TreeNode, len(nodes))
	for _, n := range nodes {
		if cyclic[n.ID] || !visible(n, perms, scopeType, adminBypass) {
			continue
		}
		built[n.ID] = &TreeNode{ID: n.ID, Name: n.Name, SortOrder: n.SortOrder}
	}

	var roots []*TreeNode
	for _, n := range nodes {
		node, ok := built[n.ID]
		if !ok {
			continue
		}
		if n.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := built[*n.ParentID]
		if !ok {
			// Unknown or invisible parent: the node is dropped silently.
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	coll := collate.New(language.Und)
	sortTree(roots, coll)
	for _, node := range built {
		sortTree(node.Children, coll)
	}
	return roots, diags
}

func visible(n Node, perms authz.PermissionSet, scopeType authz.ScopeType, adminBypass bool) bool {
	if adminBypass {
		return true
	}
	if n.Scope != "" && !n.Scope.Covers(scopeType) {
		return false
	}
	return n.Permission == "" || perms.Has(n.Permission)
}

func sortTree(children []*TreeNode, coll *collate.Collator) {
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].SortOrder != children[j].SortOrder {
			return children[i].SortOrder < children[j].SortOrder
		}
		return coll.CompareString(children[i].Name, children[j].Name) < 0
	})
}

// findCycles marks every node whose parent chain loops back on itself,
// including a node naming itself as parent. Nodes pointing into a cycle
// without being on it are left alone; they fall out as orphans during
// assembly.
func findCycles(nodes []Node, byID map[int64]Node) (map[int64]bool, []Diagnostic) {
	const (
		stateVisiting = 1
		stateDone     = 2
	)
	state := make(map[int64]int, len(nodes))
	cyclic := make(map[int64]bool)
	var diags []Diagnostic

	for _, start := range nodes {
		if state[start.ID] != 0 {
			continue
		}
		var chain []int64
		cur := start
		for {
			if state[cur.ID] == stateVisiting {
				// Loop closed within this walk: the cycle members sit at the
				// tail of the chain, ending where cur first appeared.
				for i := len(chain) - 1; i >= 0; i-- {
					id := chain[i]
					cyclic[id] = true
					diags = append(diags, Diagnostic{NodeID: id, Detail: fmt.Sprintf("parent reference cycle via node %d", cur.ID)})
					if id == cur.ID {
						break
					}
				}
				break
			}
			if state[cur.ID] == stateDone {
				break
			}
			state[cur.ID] = stateVisiting
			chain = append(chain, cur.ID)
			if cur.ParentID == nil {
				break
			}
			parent, ok := byID[*cur.ParentID]
			if !ok {
				break
			}
			cur = parent
		}
		for _, id := range chain {
			state[id] = stateDone
		}
	}
	return cyclic, diags
}
