package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// Error codes shared by the HTTP API and the WS gateway for request decoding.
const (
	codeInvalidJSON    = "invalid_json"
	codeInvalidRequest = "invalid_request"
)

var errMissingUserFields = errors.New("identity, account_id and balance are required")

// decodeError classifies why an add_or_update_user body was rejected.
// Code is safe to send to the peer; Err stays server-side.
type decodeError struct {
	Code string
	Err  error
}

func (e decodeError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e decodeError) Unwrap() error { return e.Err }

// PeerMessage is the message sent back to the caller for this rejection.
func (e decodeError) PeerMessage() string {
	if e.Code == codeInvalidRequest {
		return errMissingUserFields.Error()
	}
	return "invalid request body"
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r != nil && r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// decodeUserBody reads an add_or_update_user HTTP body of at most maxBytes.
func decodeUserBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (User, error) {
	if r.Body == nil {
		return User{}, decodeError{Code: codeInvalidJSON, Err: errors.New("empty body")}
	}
	defer func() { _ = r.Body.Close() }()

	return decodeUser(http.MaxBytesReader(w, r.Body, maxBytes))
}

// decodeUserPayload decodes an add_or_update_user envelope payload.
func decodeUserPayload(raw json.RawMessage) (User, error) {
	return decodeUser(bytes.NewReader(raw))
}

// decodeUser strictly decodes one addOrUpdateUserRequest object: unknown fields and
// trailing data are invalid_json, a missing key is invalid_request. Field values are
// never inspected beyond their JSON types.
func decodeUser(rd io.Reader) (User, error) {
	var req addOrUpdateUserRequest

	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return User{}, decodeError{Code: codeInvalidJSON, Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return User{}, decodeError{Code: codeInvalidJSON, Err: errors.New("extra data after JSON object")}
	}

	if req.Identity == nil || req.AccountID == nil || req.Balance == nil {
		return User{}, decodeError{Code: codeInvalidRequest, Err: errMissingUserFields}
	}
	return User{
		Identity:  *req.Identity,
		AccountID: *req.AccountID,
		Balance:   *req.Balance,
	}, nil
}
