package auth

import (
	"context"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Static is a fixed Session, for tests and for running against a known user.
type Static struct {
	UserID int64
	Err    error // returned by ResolveRemoteUserID when set
}

// Anonymous is a Session that is never signed in.
func Anonymous() Static {
	return Static{}
}

// IsAuthenticated implements Session.
func (s Static) IsAuthenticated() bool {
	return s.UserID != 0 || s.Err != nil
}

// ResolveRemoteUserID implements Session.
func (s Static) ResolveRemoteUserID(ctx context.Context) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	if s.UserID == 0 {
		return 0, models.ErrNotAuthenticated
	}
	return s.UserID, nil
}
