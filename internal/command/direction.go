package command

import "github.com/selvadb/selva/internal/traversal"

// directionTokens maps the wire direction tokens of spec.md §4.H/§6.B to
// the traversal.Kind bitset, both long and short forms (original_source's
// arg_parser.c accepts both, e.g. "bfs_descendants" and "bfs_desc").
var directionTokens = map[string]traversal.Kind{
	"none":                     traversal.KindNone,
	"node":                     traversal.KindNodeOnly,
	"array":                    traversal.KindArrayForeach,
	"set":                      traversal.KindSetForeach,
	"ref":                      traversal.KindRefField,
	"ref_field":                traversal.KindRefField,
	"edge":                     traversal.KindEdgeField,
	"edge_field":               traversal.KindEdgeField,
	"children":                 traversal.KindChildren,
	"parents":                  traversal.KindParents,
	"bfs_ancestors":            traversal.KindBFSAncestors,
	"bfs_anc":                  traversal.KindBFSAncestors,
	"bfs_descendants":          traversal.KindBFSDescendants,
	"bfs_desc":                 traversal.KindBFSDescendants,
	"dfs_ancestors":            traversal.KindDFSAncestors,
	"dfs_anc":                  traversal.KindDFSAncestors,
	"dfs_descendants":          traversal.KindDFSDescendants,
	"dfs_desc":                 traversal.KindDFSDescendants,
	"dfs_full":                 traversal.KindDFSFull,
	"bfs_edge_field":           traversal.KindBFSOverEdgeField,
	"bfs_expr":                 traversal.KindBFSWithExpression,
	"expr":                     traversal.KindSingleStepExpression,
}

func parseDirection(s string) (traversal.Kind, bool) {
	k, ok := directionTokens[s]
	return k, ok
}

// needsFieldName reports whether dir requires a ref_field/edge_field
// argument rather than (or in addition to) an expression.
func needsFieldName(dir traversal.Kind) bool {
	switch dir {
	case traversal.KindRefField, traversal.KindEdgeField, traversal.KindBFSOverEdgeField, traversal.KindSetForeach:
		return true
	}
	return false
}

// needsExpr reports whether dir is expression-driven.
func needsExpr(dir traversal.Kind) bool {
	switch dir {
	case traversal.KindBFSWithExpression, traversal.KindSingleStepExpression:
		return true
	}
	return false
}
