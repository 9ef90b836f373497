package service

import "context"

// AccessGate decides whether an account may use the bot at all. Handlers call
// it first and deny on false.
type AccessGate interface {
	Allowed(ctx context.Context, accountID int64) (bool, error)
}

// AllowList admits the listed accounts. An empty list admits everyone.
type AllowList struct {
	ids map[int64]struct{}
}

func NewAllowList(ids []int64) *AllowList {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &AllowList{ids: set}
}

func (a *AllowList) Allowed(_ context.Context, accountID int64) (bool, error) {
	if len(a.ids) == 0 {
		return true, nil
	}
	_, ok := a.ids[accountID]
	return ok, nil
}
