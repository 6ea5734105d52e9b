package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeRequestInvalid Code = "REQUEST_INVALID"

	// Challenge errors
	CodeChallengeEmailEmpty    Code = "CHALLENGE_EMAIL_EMPTY"
	CodeChallengeEmailInvalid  Code = "CHALLENGE_EMAIL_INVALID"
	CodeChallengeOriginMissing Code = "CHALLENGE_ORIGIN_MISSING"

	// Session errors
	CodeSessionAlreadyInitialized Code = "SESSION_ALREADY_INITIALIZED"
	CodeSessionNotInitialized     Code = "SESSION_NOT_INITIALIZED"
	CodeSessionOriginMismatch     Code = "SESSION_ORIGIN_MISMATCH"
	CodeSessionNoPendingCred      Code = "SESSION_NO_PENDING_CREDENTIAL"
	CodeSessionVerifyUnavailable  Code = "SESSION_VERIFY_UNAVAILABLE"

	// User errors
	CodeUserCredentialUnknown Code = "USER_CREDENTIAL_UNKNOWN"
	CodeUserNotVerified       Code = "USER_NOT_VERIFIED"

	// Verifier errors
	CodeVerifierRejected Code = "VERIFIER_REJECTED"

	// Verification link errors
	CodeTokenInvalid Code = "TOKEN_INVALID"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, state machine violations
	case CodeRequestInvalid,
		CodeChallengeEmailEmpty,
		CodeChallengeEmailInvalid,
		CodeChallengeOriginMissing,
		CodeSessionAlreadyInitialized,
		CodeSessionNotInitialized,
		CodeSessionNoPendingCred,
		CodeSessionVerifyUnavailable,
		CodeTokenInvalid:
		return http.StatusBadRequest

	// Unauthorized - failed proofs and unknown credentials. An unknown
	// credential id is deliberately 401 rather than 404 so responses do
	// not leak whether a credential exists.
	case CodeVerifierRejected,
		CodeUserCredentialUnknown,
		CodeUserNotVerified:
		return http.StatusUnauthorized

	// Forbidden - anti-phishing origin binding failed
	case CodeSessionOriginMismatch:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
