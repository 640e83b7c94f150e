// Package errs defines the engine's single tagged error type (§7, §9
// design notes). The engine reports its own failures as an *Error, and
// callers switch on Kind, not on Go type assertions against a hierarchy.
// The low-level bitmap and disk packages return plain errors, which KindOf
// reports as Configuration.
package errs

import "fmt"

// Kind is the closed taxonomy of §7.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	NotEmpty
	PermissionDenied
	NoSpace
	Corrupted
	NotMounted
	TransactionNotFound
	TransactionAborted
	TransactionTimeout
	ConcurrentAccess
	Network
	RateLimited
	Configuration
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case NotEmpty:
		return "NotEmpty"
	case PermissionDenied:
		return "PermissionDenied"
	case NoSpace:
		return "NoSpace"
	case Corrupted:
		return "Corrupted"
	case NotMounted:
		return "NotMounted"
	case TransactionNotFound:
		return "TransactionNotFound"
	case TransactionAborted:
		return "TransactionAborted"
	case TransactionTimeout:
		return "TransactionTimeout"
	case ConcurrentAccess:
		return "ConcurrentAccess"
	case Network:
		return "Network"
	case RateLimited:
		return "RateLimited"
	case Configuration:
		return "Configuration"
	default:
		return "Unknown"
	}
}

// Error is the engine's sole error type. Every failure carries a Kind, a
// human-readable Message, and optionally a Code and Context (§7).
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches (or replaces) the context string, e.g. a path or
// inode number, and returns the same *Error for chaining at the call site.
func (e *Error) WithContext(context string) *Error {
	e.Context = context
	return e
}

// WithCode attaches an optional machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// Is lets errors.Is match on Kind: errors.Is(err, errs.ErrNotFound) works if
// err is (or wraps) an *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from any error, defaulting to Configuration
// (treated as non-retriable, surfaced as-is) when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Configuration
}

// RetryClass is the retry classification consulted by external
// collaborators (§7); the engine itself never retries.
type RetryClass int

const (
	Permanent RetryClass = iota
	Transient
	Concurrency
	Timeout
	NetworkClass
	CorruptionClass
)

// Classify is a pure function from Kind to RetryClass.
func Classify(kind Kind) RetryClass {
	switch kind {
	case ConcurrentAccess:
		return Concurrency
	case TransactionTimeout:
		return Timeout
	case Network:
		return NetworkClass
	case RateLimited:
		return Transient
	case Corrupted:
		return CorruptionClass
	default:
		return Permanent
	}
}

// Sentinel instances for errors.Is comparisons where no extra message is
// needed; callers typically use New for a descriptive message instead.
var (
	ErrNotFound             = &Error{Kind: NotFound}
	ErrAlreadyExists        = &Error{Kind: AlreadyExists}
	ErrNotEmpty             = &Error{Kind: NotEmpty}
	ErrPermissionDenied     = &Error{Kind: PermissionDenied}
	ErrNoSpace              = &Error{Kind: NoSpace}
	ErrCorrupted            = &Error{Kind: Corrupted}
	ErrNotMounted           = &Error{Kind: NotMounted}
	ErrTransactionNotFound  = &Error{Kind: TransactionNotFound}
	ErrTransactionAborted   = &Error{Kind: TransactionAborted}
	ErrTransactionTimeout   = &Error{Kind: TransactionTimeout}
	ErrConcurrentAccess     = &Error{Kind: ConcurrentAccess}
)
