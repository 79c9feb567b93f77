package registry

import v1 "dstake/contracts/registry/v1"

// addOrUpdateUserRequest uses pointers so a missing field is distinguishable from a zero value.
type addOrUpdateUserRequest struct {
	Identity  *string `json:"identity"`
	AccountID *string `json:"account_id"`
	Balance   *uint64 `json:"balance"`
}

type addOrUpdateUserResponse struct {
	Message string `json:"message"`
}

type getAllUsersResponse struct {
	Users []v1.User `json:"users"`
}

func toWireUser(u User) v1.User {
	return v1.User{
		Identity:  u.Identity,
		AccountID: u.AccountID,
		Balance:   u.Balance,
	}
}

func toWireUsers(in []User) []v1.User {
	out := make([]v1.User, 0, len(in))
	for _, u := range in {
		out = append(out, toWireUser(u))
	}
	return out
}
