// Package authn defines the verdict returned by every validator in the
// trust layer. Expected rejections are values, not errors: a Result carries
// the Kind of check that failed, and only infrastructure faults (a store
// that cannot be reached) travel as Go errors.
package authn

// Kind identifies which check rejected an input. The zero value means the
// input was accepted.
type Kind string

const (
	KindMalformedInput   Kind = "MALFORMED_INPUT"
	KindSignatureInvalid Kind = "SIGNATURE_INVALID"
	KindExpired          Kind = "EXPIRED"
	KindIssuerMismatch   Kind = "ISSUER_MISMATCH"
	KindAudienceMismatch Kind = "AUDIENCE_MISMATCH"
	KindReplayed         Kind = "REPLAYED"
	KindAlreadyUsed      Kind = "ALREADY_USED"
	KindActorMismatch    Kind = "ACTOR_MISMATCH"
	KindResourceMismatch Kind = "RESOURCE_MISMATCH"
	KindActionMismatch   Kind = "ACTION_MISMATCH"
)

// Result is the outcome of a validation.
type Result struct {
	Kind Kind
}

// Accepted is the Result for an input that passed every check.
var Accepted = Result{}

// Reject returns a failed Result of the given kind.
func Reject(kind Kind) Result {
	return Result{Kind: kind}
}

// Valid reports whether every check passed.
func (r Result) Valid() bool {
	return r.Kind == ""
}

func (r Result) String() string {
	if r.Valid() {
		return "VALID"
	}
	return string(r.Kind)
}

const (
	msgNotAuthenticated = "request could not be authenticated"
	msgAlreadyUsed      = "this action link has already been used"
)

// PublicMessage is the text shown to end users for a rejected input. It
// deliberately collapses every sub-check into two messages so responses
// cannot be used to probe which check failed.
func PublicMessage(kind Kind) string {
	if kind == KindAlreadyUsed {
		return msgAlreadyUsed
	}
	return msgNotAuthenticated
}
