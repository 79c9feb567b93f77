// Package v1 defines the dstake Registry Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients (including tools/scripts/ws-smoke.go)
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "dstake.registry.v1"

// Type constants (wire-stable).
const (
	// TypeAddOrUpdateUser upserts one user record (client -> server).
	TypeAddOrUpdateUser = "add_or_update_user"
	// TypeAddOrUpdateUserResult carries the confirmation message (server -> client).
	TypeAddOrUpdateUserResult = "add_or_update_user_result"

	// TypeGetAllUsers requests a snapshot of all users (client -> server).
	TypeGetAllUsers = "get_all_users"
	// TypeGetAllUsersResult returns the snapshot (server -> client).
	TypeGetAllUsersResult = "get_all_users_result"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAddOrUpdateUser,
		TypeAddOrUpdateUserResult,
		TypeGetAllUsers,
		TypeGetAllUsersResult,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// User is the wire representation of one registry record.
//
// Balance is a JSON number; Go clients decode it into uint64 without loss.
type User struct {
	Identity  string `json:"identity"`
	AccountID string `json:"account_id"`
	Balance   uint64 `json:"balance"`
}

// AddOrUpdateUserPayload requests an upsert keyed by Identity.
type AddOrUpdateUserPayload = User

// AddOrUpdateUserResultPayload carries the human-readable confirmation.
type AddOrUpdateUserResultPayload struct {
	Message string `json:"message"`
}

// GetAllUsersPayload is empty; the list operation takes no arguments.
type GetAllUsersPayload struct{}

// GetAllUsersResultPayload returns every stored user in unspecified order.
type GetAllUsersResultPayload struct {
	Users []User `json:"users"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
