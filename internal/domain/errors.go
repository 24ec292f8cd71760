package domain

import "errors"

var (
	ErrCapacityExceeded = errors.New("raid capacity exceeded")
	ErrDuplicateMember  = errors.New("participant is already a member")
	ErrNotMember        = errors.New("participant is not a member")
)

var (
	ErrInvalidRaid     = errors.New("invalid raid")
	ErrInvalidSnapshot = errors.New("invalid raid snapshot")
)
