package outbuf

// revertNode is either a contributing output entry (isMarker == false) or a
// _revert command's own position in the flattened, cross-scope node list
// (isMarker == true), recorded so a later backward walk can recognize it as
// a stopping point. scope is the nearest enclosing output-scope-root buffer
// (or the top-level buffer passed to processRevertsIfNeeded, for content
// that isn't inside any scope root), bounding how far a revert can reach.
type revertNode struct {
	owner    *Buffer
	index    int
	handler  string
	isMarker bool
	targets  []string
	scope    *Buffer
}

// processRevertsIfNeeded performs the lazy, once-only revert pass for buf
// and, transitively, every descendant scope it visits. It does nothing for a
// buffer that has already been processed; for a buffer whose HasRevert flag
// is unset it only marks it processed and recurses into its child buffers.
func processRevertsIfNeeded(buf *Buffer) {
	if buf.RevertsProcessed {
		return
	}
	if !buf.HasRevert {
		buf.RevertsProcessed = true
		for _, e := range buf.Entries {
			if child, ok := e.(*Buffer); ok {
				processRevertsIfNeeded(child)
			}
		}
		return
	}
	var nodes []revertNode
	collectAndRevert(buf, buf, &nodes)
}

// collectAndRevert walks buf and its descendants in emission order,
// building one flat node list spanning nested scopes, applying each
// _revert command it encounters against the nodes collected so far. scope
// tracks the nearest enclosing output-scope-root buffer; a loop iteration or
// branch compiled as its own scope root (Buffer.OutputScopeRoot) bounds
// revert so it can only discard output emitted within that same scope, not
// output the parent already committed before the scope began.
func collectAndRevert(buf, scope *Buffer, nodes *[]revertNode) {
	buf.RevertsProcessed = true
	for i, e := range buf.Entries {
		switch v := e.(type) {
		case *RevertCommand:
			applyRevert(*nodes, scope, v.Handlers)
			*nodes = append(*nodes, revertNode{owner: buf, index: i, isMarker: true, targets: v.Handlers, scope: scope})
		case *Buffer:
			childScope := scope
			if v.OutputScopeRoot {
				childScope = v
			}
			collectAndRevert(v, childScope, nodes)
		default:
			*nodes = append(*nodes, revertNode{owner: buf, index: i, handler: detectHandlerName(e), scope: scope})
		}
	}
}

// applyRevert walks nodes backward from the revert command's position,
// marking matching entries reverted until it either finds an earlier
// barrier for that handler or leaves scope's boundary: an entry from an
// enclosing scope, committed before scope started, is never touched.
func applyRevert(nodes []revertNode, scope *Buffer, handlers []string) {
	universal := len(handlers) == 1 && handlers[0] == "_"
	targets := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		targets[h] = true
	}

	stopped := make(map[string]bool)
	stopAll := false
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if stopAll {
			return
		}
		if n.scope != scope {
			return
		}
		if n.isMarker {
			for _, mt := range n.targets {
				if mt == "_" {
					stopAll = true
					break
				}
				stopped[mt] = true
			}
			continue
		}
		if stopped[n.handler] {
			continue
		}
		if universal || targets[n.handler] {
			n.owner.markReverted(n.index)
		}
	}
}
