package reconcile

import "errors"

var (
	ErrCommitInProgress = errors.New("commit already in progress")
	ErrAlreadyMember    = errors.New("identity already has access")
	ErrNotMember        = errors.New("identity has no access to change")
	ErrChangePending    = errors.New("identity already has a pending change")
	ErrRoleUnchanged    = errors.New("role is unchanged")
	ErrUnknownIdentity  = errors.New("no account exists for this email")
	ErrNotAdded         = errors.New("gateway did not add identity")
	ErrWrongChangeKind  = errors.New("change kind does not match resource")
)
