package outbuf

import (
	"fmt"
	"strings"

	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

// FlattenText implements the fast text path (context == nil): it
// concatenates strings and recursively flattens nested scopes, applying the
// post-processing function convention, and fails with a single aggregate
// PoisonError if any poison marker or poisoned value was collected.
func FlattenText(buf *Buffer) (string, error) {
	processRevertsIfNeeded(buf)
	var errs []error
	text := flattenBufferText(buf, &errs)
	if len(errs) > 0 {
		return "", poison.NewFromErrors(errs).AsError()
	}
	return text, nil
}

func flattenBufferText(buf *Buffer, errs *[]error) string {
	entries := buf.Entries
	n := len(entries)
	limit := n
	var post PostProcess
	if n > 0 {
		if fn, ok := entries[n-1].(PostProcess); ok {
			post = fn
			limit = n - 1
		}
	}

	var sb strings.Builder
	for i := 0; i < limit; i++ {
		if buf.isReverted(i) {
			continue
		}
		writeTextEntry(entries[i], &sb, errs)
	}

	joined := sb.String()
	if post != nil {
		return fmt.Sprint(post(joined))
	}
	return joined
}

func writeTextEntry(e any, sb *strings.Builder, errs *[]error) {
	switch v := e.(type) {
	case string:
		sb.WriteString(v)
	case *Buffer:
		sb.WriteString(flattenBufferText(v, errs))
	case *PoisonMarker:
		*errs = append(*errs, v.Errors...)
	case *poison.Poisoned:
		*errs = append(*errs, v.Errors()...)
	case *Command:
		for _, a := range v.Arguments {
			sb.WriteString(fmt.Sprint(a))
		}
	case *RevertCommand:
		// consumed during the revert pass; contributes no text itself.
	case nil:
	default:
		sb.WriteString(fmt.Sprint(v))
	}
}

// FlattenScript implements the handler-dispatch path (context != nil). It
// returns a map assembled per the result-structure convention, or, when
// focusOutput is non-empty, just that key's value.
func FlattenScript(dc *DispatchContext, buf *Buffer, focusOutput string) (any, error) {
	processRevertsIfNeeded(buf)

	var textSb strings.Builder
	var errs []error
	instantiated := make(map[string]bool)
	flattenScriptInto(dc, buf, &textSb, &errs, instantiated)

	if len(errs) > 0 {
		return nil, poison.NewFromErrors(errs).AsError()
	}

	result := make(map[string]any)
	if textSb.Len() > 0 {
		result["text"] = textSb.String()
	}
	for name := range instantiated {
		inst, err := dc.resolve(name)
		if err != nil {
			continue
		}
		if rv, ok := inst.(ReturnValuer); ok {
			result[name] = rv.ReturnValue()
		} else {
			result[name] = inst
		}
	}

	if focusOutput != "" {
		return result[focusOutput], nil
	}
	return result, nil
}

func flattenScriptInto(dc *DispatchContext, buf *Buffer, textSb *strings.Builder, errs *[]error, instantiated map[string]bool) {
	for i, e := range buf.Entries {
		if buf.isReverted(i) {
			continue
		}
		switch v := e.(type) {
		case string:
			textSb.WriteString(v)
		case *Buffer:
			flattenScriptInto(dc, v, textSb, errs, instantiated)
		case *PoisonMarker:
			*errs = append(*errs, v.Errors...)
		case *poison.Poisoned:
			*errs = append(*errs, v.Errors()...)
		case *RevertCommand:
			// consumed during the revert pass.
		case *Command:
			dispatchCommand(dc, v, textSb, errs, instantiated)
		case nil:
		default:
			textSb.WriteString(fmt.Sprint(v))
		}
	}
}

func dispatchCommand(dc *DispatchContext, cmd *Command, textSb *strings.Builder, errs *[]error, instantiated map[string]bool) {
	if cmd.Handler == "" || cmd.Handler == "text" {
		for _, a := range cmd.Arguments {
			textSb.WriteString(fmt.Sprint(a))
		}
		return
	}

	for _, a := range cmd.Arguments {
		if p := poison.Peek(a); p != nil {
			*errs = append(*errs, p.Errors()...)
			return
		}
	}

	result, err := dc.dispatch(cmd)
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	instantiated[cmd.Handler] = true
	unwrapEmbeddedResult(dc, result, textSb, errs, instantiated)
}

// unwrapEmbeddedResult implements the embedded-result-object convention: a
// structured macro return value gets its text pushed into the text stream
// and its other keys merged into the handler they name, excluding values
// with custom string conversion, thenables, and explicit command objects.
func unwrapEmbeddedResult(dc *DispatchContext, v any, textSb *strings.Builder, errs *[]error, instantiated map[string]bool) {
	if v == nil {
		return
	}
	if _, ok := v.(fmt.Stringer); ok {
		textSb.WriteString(fmt.Sprint(v))
		return
	}
	if _, ok := v.(sched.Awaitable); ok {
		textSb.WriteString(fmt.Sprint(v))
		return
	}
	if _, ok := v.(*Command); ok {
		textSb.WriteString(fmt.Sprint(v))
		return
	}

	m, ok := v.(map[string]any)
	if !ok {
		textSb.WriteString(fmt.Sprint(v))
		return
	}

	if text, ok := m["text"].(string); ok {
		textSb.WriteString(text)
	}
	for key, val := range m {
		if key == "text" {
			continue
		}
		inst, err := dc.resolve(key)
		if err != nil {
			continue
		}
		if mg, ok := inst.(Mergeable); ok {
			if err := mg.Merge(nil, val); err != nil {
				*errs = append(*errs, err)
				continue
			}
			instantiated[key] = true
		}
	}
}
