// Package registry owns dstake's user registry: the identity-keyed user records,
// the storage backends behind them, and the HTTP and WebSocket surfaces that expose
// the add_or_update_user and get_all_users operations.
//
// Contract:
//   - At most one User exists per identity; an upsert replaces account and balance wholesale.
//   - Reads return copies; callers never hold references into registry storage.
//   - No validation is applied to identity, account id, or balance.
//   - Operations are serialized by the Registry so no caller observes a half-applied write.
package registry
