package lockfile

import "iter"

// Walk returns the nodes of lf in depth-first post-order: children before
// their parent, siblings in declaration order. The sequence is lazy and may be
// iterated repeatedly.
func Walk(lf *Lockfile) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		if lf == nil {
			return
		}
		type frame struct {
			node     *Node
			children []*Node
			next     int
		}
		stack := []frame{{children: lf.Roots}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.children) {
				child := top.children[top.next]
				top.next++
				stack = append(stack, frame{node: child, children: child.Children})
				continue
			}
			done := *top
			stack = stack[:len(stack)-1]
			if done.node != nil && !yield(done.node) {
				return
			}
		}
	}
}

// ForEach calls visit for every node in [Walk] order and collects the
// results. It stops at the first error, returning the results gathered so far.
func ForEach[T any](lf *Lockfile, visit func(*Node) (T, error)) ([]T, error) {
	var results []T
	for node := range Walk(lf) {
		r, err := visit(node)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}
