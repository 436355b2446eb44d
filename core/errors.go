package core

import "errors"

// Kind classifies why a core operation failed, per the error taxonomy in
// SPEC_FULL.md §9. Callers use errors.As to recover the Kind and decide how
// to propagate: surface to the submitter, disconnect a peer, or abort.
type Kind string

const (
	KindValidation Kind = "validation"
	KindBalance    Kind = "balance"
	KindPolicy     Kind = "policy"
	KindConsensus  Kind = "consensus"
	KindEconomics  Kind = "economics"
	KindStorage    Kind = "storage"
	KindPeer       Kind = "peer"
	KindInternal   Kind = "internal"
)

// CoreError wraps an underlying error with a Kind so propagation logic in
// the mempool, consensus, and network layers can branch on the error class
// without inspecting error strings.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError wraps err with the given Kind.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Err: err}
}

// ErrorKind extracts the Kind from err, defaulting to KindInternal if err was
// never classified (a programming error worth noticing during review).
func ErrorKind(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// ErrNotFound indicates a requested key does not exist in state or storage.
var ErrNotFound = errors.New("not found")
