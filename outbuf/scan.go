package outbuf

// CollectPoisonMarkers walks buf and its nested scopes, collecting the
// errors carried by any non-reverted poison marker targeted at one of the
// named handlers. Used by guard's error-collection contract.
func CollectPoisonMarkers(buf *Buffer, handlers []string) []error {
	set := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		set[h] = true
	}
	var errs []error
	collectPoisonMarkers(buf, set, &errs)
	return errs
}

func collectPoisonMarkers(buf *Buffer, handlers map[string]bool, errs *[]error) {
	for i, e := range buf.Entries {
		if buf.isReverted(i) {
			continue
		}
		switch v := e.(type) {
		case *Buffer:
			collectPoisonMarkers(v, handlers, errs)
		case *PoisonMarker:
			if handlers[v.Handler] {
				*errs = append(*errs, v.Errors...)
			}
		}
	}
}
