package rules

import "errors"

var (
	// ErrStoreTimeout means the persistence collaborator did not answer within its
	// deadline, even after one retry. The rule update is dropped.
	ErrStoreTimeout = errors.New("rule store timeout")
	ErrInvalidRule  = errors.New("invalid adaptation rule")
	ErrRuleNotFound = errors.New("adaptation rule not found")

	// ErrReservedUserID rejects a caller-supplied user id inside the session
	// pseudo-user namespace.
	ErrReservedUserID = errors.New("user id uses the reserved session prefix")
)
