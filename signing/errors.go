package signing

import "errors"

// Sentinel errors surfaced by the Signing Service.
var (
	// ErrSignatureInvalid is returned by Verify when the signature does not
	// match the payload under the claimed signer's public key.
	ErrSignatureInvalid = errors.New("signing: signature invalid")
	// ErrSignerUnknown is returned by Verify when the KID is not present in
	// the signer registry.
	ErrSignerUnknown = errors.New("signing: signer unknown")
	// ErrSigningFailure is returned by Sign when the KMS is unavailable or
	// refuses the request, and no fallback is permitted.
	ErrSigningFailure = errors.New("signing: signing failure")
)
