package poison

import "fmt"

// RuntimeError is a positioned wrapper around a cause error, adding the
// source location and a short context tag (e.g. "@handler.method").
type RuntimeError struct {
	Cause   error
	Line    int
	Col     int
	Path    string
	Context string
}

func (e *RuntimeError) Error() string {
	loc := ""
	if e.Path != "" {
		loc = e.Path
	}
	if e.Line > 0 {
		if loc != "" {
			loc += ":"
		}
		loc += fmt.Sprintf("%d", e.Line)
		if e.Col > 0 {
			loc += fmt.Sprintf(":%d", e.Col)
		}
	}
	switch {
	case loc != "" && e.Context != "":
		return fmt.Sprintf("%s (%s) [%s]: %v", e.Cause, e.Context, loc, e.Cause)
	case loc != "":
		return fmt.Sprintf("[%s]: %v", loc, e.Cause)
	case e.Context != "":
		return fmt.Sprintf("(%s): %v", e.Context, e.Cause)
	default:
		return e.Cause.Error()
	}
}

// Unwrap exposes the cause for errors.Is/As.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// positioned is satisfied by any error that already carries a line number,
// used by Handle to implement idempotent positioning.
type positioned interface {
	Positioned() (line, col int, ok bool)
}

// Positioned implements the positioned interface for RuntimeError.
func (e *RuntimeError) Positioned() (line, col int, ok bool) {
	return e.Line, e.Col, e.Line > 0
}

// Handle positions err with (lineno, colno, context, path), unless err
// already carries a position, in which case it is returned unchanged.
// For a *PoisonError with no position of its own but a position argument
// supplied, it recurses into the aggregate's members instead of wrapping
// the aggregate itself.
func Handle(err error, lineno, colno int, context_, path string) error {
	if err == nil {
		return nil
	}
	if p, ok := err.(positioned); ok {
		if _, _, has := p.Positioned(); has {
			return err
		}
	}
	if pe, ok := err.(*PoisonError); ok {
		positionedErrs := make([]error, 0, len(pe.Errors))
		for _, inner := range pe.Errors {
			positionedErrs = append(positionedErrs, Handle(inner, lineno, colno, context_, path))
		}
		return &PoisonError{Errors: positionedErrs, Message: pe.Message, Stack: pe.Stack}
	}
	return &RuntimeError{Cause: err, Line: lineno, Col: colno, Path: path, Context: context_}
}
