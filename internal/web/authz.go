// ABOUTME: Request authorization ladder: guest grants, then session grants, then admin
// ABOUTME: Failures collapse to a boolean; callers answer with one uniform 401

package web

import (
	"context"

	"github.com/kvgate/kvgate/internal/ident"
	"github.com/kvgate/kvgate/internal/principal"
)

// access is a bitmask of the capabilities an endpoint needs.
type access uint8

const (
	accessRead access = 1 << iota
	accessWrite
)

func (a access) satisfiedBy(p principal.Perms) bool {
	if a&accessRead != 0 && !p.Read {
		return false
	}
	if a&accessWrite != 0 && !p.Write {
		return false
	}
	return true
}

// canAccess walks the permission ladder for one tenant: the guest principal's
// grants first, then the session user's grants, then the admin marker. Any
// failure along the way just means "keep climbing"; the final answer is a
// single boolean.
func (s *Server) canAccess(ctx context.Context, sid string, id ident.Identifier, want access) (bool, error) {
	guestPerms, err := s.principals.TablePermissions(ctx, principal.GuestUserID, id)
	if err != nil {
		return false, err
	}
	if want.satisfiedBy(guestPerms) {
		return true, nil
	}

	if sid == "" {
		return false, nil
	}

	userID, err := s.principals.CheckSession(ctx, sid)
	if err != nil {
		return false, err
	}
	if userID == 0 {
		return false, nil
	}

	perms, err := s.principals.TablePermissions(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if want.satisfiedBy(perms) {
		return true, nil
	}

	return s.principals.IsAdmin(ctx, userID)
}
