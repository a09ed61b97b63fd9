// Package identity exposes who is using the device. Authentication flows
// live elsewhere; the sync core only needs the current identity.
package identity

import (
	"context"

	"github.com/nhle/fieldsync/internal/model"
)

// Identity is the signed-in account.
type Identity struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
}

// Provider returns the current identity, or nil when signed out.
type Provider interface {
	Current(ctx context.Context) (*Identity, error)
}

// CanWriteCloud reports whether id may create cloud-backed data.
func CanWriteCloud(id *Identity) bool {
	return id != nil && id.ID != "" && id.Verified
}

// Creator returns the id recorded as creator or submitter. Signed-out and
// unverified users are recorded as anonymous.
func Creator(id *Identity) string {
	if !CanWriteCloud(id) {
		return model.AnonymousCreator
	}
	return id.ID
}

// Static is a Provider with a fixed identity.
type Static struct {
	Identity *Identity
}

func (s Static) Current(context.Context) (*Identity, error) {
	if s.Identity == nil {
		return nil, nil
	}
	id := *s.Identity
	return &id, nil
}
