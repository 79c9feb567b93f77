package registry

import "fmt"

// User is one identity's registered account and balance.
type User struct {
	Identity  string
	AccountID string
	// Balance is expressed in the smallest denomination unit.
	Balance uint64
}

// Confirmation returns the human-readable message returned by a successful upsert.
func Confirmation(identity string) string {
	return fmt.Sprintf("User %s stored successfully", identity)
}
