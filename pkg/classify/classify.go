// Package classify tags faulting pages with a category that drives the
// filter policy: only monitored categories feed the write-then-execute
// machine. The rules are evaluated in order, first match wins.
package classify

// Category is the classification of one faulting page.
type Category uint8

const (
	Unknown Category = iota
	Code
	Data
	Heap
	Stack
	Library
)

func (c Category) String() string {
	switch c {
	case Code:
		return "code"
	case Data:
		return "data"
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	case Library:
		return "library"
	default:
		return "unknown"
	}
}

// Input is everything the rules look at, pre-extracted so this package
// stays free of kernel-structure knowledge.
type Input struct {
	// HasSegment is false when no VAD covers the address.
	HasSegment bool
	// Image reports a VAD of image type (maps a section of an executable
	// file).
	Image bool
	// Private reports private (non-shareable) memory.
	Private bool
	// Backed reports a backing filename on the VAD's control area.
	Backed bool
	// MainImage reports that the backing file is the process's own image
	// rather than a loaded module.
	MainImage bool
	// Stack reports stack-like protection (guard attribute) on the VAD.
	Stack bool
	// Executable reports executable protection on the page.
	Executable bool
}

// Classify applies the rules in order:
//
//  1. backed by a file mapped as an image, other than the process's own
//     image -> Library
//  2. stack-like protection -> Stack
//  3. private and not image -> Heap
//  4. image and executable -> Code
//  5. otherwise Data, or Unknown when no VAD covers the page
func Classify(in Input) Category {
	switch {
	case !in.HasSegment:
		return Unknown
	case in.Backed && in.Image && !in.MainImage:
		return Library
	case in.Stack:
		return Stack
	case in.Private && !in.Image:
		return Heap
	case in.Image && in.Executable:
		return Code
	default:
		return Data
	}
}

// Policy decides which categories participate in the write-then-execute
// machine. Code and Unknown always do; the zero value suppresses the rest.
type Policy struct {
	Library bool
	Heap    bool
	Stack   bool
}

// Monitored reports whether pages of the category are instrumented.
func (p Policy) Monitored(c Category) bool {
	switch c {
	case Code, Unknown:
		return true
	case Library:
		return p.Library
	case Heap:
		return p.Heap
	case Stack:
		return p.Stack
	default:
		return false
	}
}
