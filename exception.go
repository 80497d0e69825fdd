package sentryz

import (
	"fmt"
	"reflect"
	"runtime"
	"slices"

	pkgerrors "github.com/pkg/errors"
)

// maxFrames bounds a captured stack trace.
const maxFrames = 64

// Exception is the normalized form of anything captured as an error.
type Exception struct {
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
	Type       string      `json:"type"`
	Value      string      `json:"value,omitempty"`
}

// Stacktrace lists frames oldest call first.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Frame is a single stack frame.
type Frame struct {
	Filename string `json:"filename,omitempty"`
	Function string `json:"function,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// NormalizeException converts a captured value into exceptions, root
// cause first. It is total: every input, including nil, yields a result.
//
// Errors are unwrapped into one exception per link of the chain. Frames
// come from the first error in the chain that carries a pkg/errors stack
// trace; when none does, the stack of the caller is recorded instead, skip
// frames above NormalizeException's caller.
func NormalizeException(v any, skip int) []Exception {
	switch x := v.(type) {
	case nil:
		return nil
	case Exception:
		return []Exception{x.clone()}
	case []Exception:
		out := make([]Exception, len(x))
		for i := range x {
			out[i] = x[i].clone()
		}
		return out
	case error:
		return exceptionsFromError(x, skip+1)
	case string:
		return []Exception{{Type: "error", Value: x, Stacktrace: callerStack(skip + 1)}}
	default:
		return []Exception{{Type: fmt.Sprintf("%T", v), Value: fmt.Sprint(v), Stacktrace: callerStack(skip + 1)}}
	}
}

func exceptionsFromError(err error, skip int) []Exception {
	chain := unwrapChain(err)

	var trace *Stacktrace
	for _, e := range chain {
		if st, ok := e.(stackTracer); ok && !isNilValue(e) {
			trace = safeStackTrace(st)
			break
		}
	}
	if trace == nil {
		trace = callerStack(skip + 1)
	}

	out := make([]Exception, 0, len(chain))
	for _, e := range chain {
		// fmt prints "<nil>" for nil receivers and recovers panicking
		// Error methods.
		out = append(out, Exception{Type: fmt.Sprintf("%T", e), Value: fmt.Sprint(e)})
	}
	slices.Reverse(out)

	// The last exception is the one the backend displays.
	out[len(out)-1].Stacktrace = trace
	return out
}

// unwrapChain returns err followed by everything it wraps, outermost first.
// Joined errors are flattened depth first.
func unwrapChain(err error) []error {
	var chain []error
	var walk func(error)
	walk = func(e error) {
		for e != nil && len(chain) < maxFrames {
			chain = append(chain, e)
			if isNilValue(e) {
				return
			}
			if joined, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range safeUnwrapAll(joined) {
					walk(inner)
				}
				return
			}
			e = safeUnwrap(e)
		}
	}
	walk(err)
	return chain
}

// isNilValue reports whether err is a non-nil interface holding a nil
// pointer, map, slice, func or chan.
func isNilValue(err error) bool {
	v := reflect.ValueOf(err)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func safeUnwrap(err error) (inner error) {
	defer func() {
		if recover() != nil {
			inner = nil
		}
	}()
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func safeUnwrapAll(err interface{ Unwrap() []error }) (inner []error) {
	defer func() {
		if recover() != nil {
			inner = nil
		}
	}()
	return err.Unwrap()
}

func safeStackTrace(st stackTracer) (trace *Stacktrace) {
	defer func() {
		if recover() != nil {
			trace = nil
		}
	}()
	return framesFromStackTrace(st.StackTrace())
}

func framesFromStackTrace(st pkgerrors.StackTrace) *Stacktrace {
	frames := make([]Frame, 0, len(st))
	for _, f := range st {
		pc := uintptr(f) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		frames = append(frames, Frame{Filename: file, Function: fn.Name(), Lineno: line})
	}
	if len(frames) == 0 {
		return nil
	}
	slices.Reverse(frames)
	return &Stacktrace{Frames: frames}
}

// callerStack records the current goroutine's stack, skip frames above
// its caller.
func callerStack(skip int) *Stacktrace {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := make([]Frame, 0, n)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		f, more := iter.Next()
		frames = append(frames, Frame{Filename: f.File, Function: f.Function, Lineno: f.Line})
		if !more {
			break
		}
	}
	slices.Reverse(frames)
	return &Stacktrace{Frames: frames}
}

func (e Exception) clone() Exception {
	if e.Stacktrace != nil {
		st := Stacktrace{Frames: append([]Frame(nil), e.Stacktrace.Frames...)}
		e.Stacktrace = &st
	}
	return e
}
