// Package httperr maps the core's domain error kinds onto the wire
// error envelope: {ok:false, error:{code,message,details?}}.
package httperr

import (
	"encoding/json"
	"net/http"
)

// Error is the wire shape of a failure response.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type envelope struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error"`
}

// Write serializes err as the standard failure envelope with its status
// code.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: err})
}

// WriteOK serializes a successful payload as {ok:true, ...fields}.
func WriteOK(w http.ResponseWriter, statusCode int, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func Unauthenticated(msg string) *Error {
	return &Error{StatusCode: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{StatusCode: http.StatusForbidden, Code: "FORBIDDEN", Message: msg}
}

func Validation(msg string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: code, Message: msg}
}

func LedgerImbalance(msg string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "LEDGER_IMBALANCE", Message: msg}
}

func UpgradeRequired(msg string) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: "UPGRADE_REQUIRED", Message: msg}
}

func QuorumNotReached(msg string) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: "QUORUM_NOT_REACHED", Message: msg}
}

func SignatureInvalid(msg string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "SIGNATURE_INVALID", Message: msg}
}

func SignerUnknown(msg string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "SIGNER_UNKNOWN", Message: msg}
}

func SigningFailure(msg string) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "SIGNING_FAILURE", Message: msg}
}

func ChainBroken(msg string) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "CHAIN_BROKEN", Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: msg}
}

func Internal(msg string) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: msg}
}

func BodyTooLarge(msg string) *Error {
	return &Error{StatusCode: http.StatusRequestEntityTooLarge, Code: "BODY_TOO_LARGE", Message: msg}
}
