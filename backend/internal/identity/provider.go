// Package identity turns bearer tokens into collaborators and answers
// per-document permission checks.
package identity

import (
	"context"
	"fmt"

	"collabSync/backend/internal/collab"
)

// PermissionLookup returns a recorded level; found is false without a record.
type PermissionLookup interface {
	Level(ctx context.Context, userID, docID string) (p collab.Permission, found bool, err error)
}

type Provider struct {
	signer *Signer
	perms  PermissionLookup
	def    collab.Permission
}

// NewProvider builds the identity provider. Users without a per-document
// record get def.
func NewProvider(signer *Signer, perms PermissionLookup, def collab.Permission) *Provider {
	return &Provider{signer: signer, perms: perms, def: def}
}

func (p *Provider) Authenticate(_ context.Context, creds collab.Credentials) (collab.User, error) {
	if creds.Token == "" {
		return collab.User{}, fmt.Errorf("%w: missing token", collab.ErrAuthenticationFailed)
	}
	claims, err := p.signer.Parse(creds.Token)
	if err != nil {
		return collab.User{}, fmt.Errorf("%w: %v", collab.ErrAuthenticationFailed, err)
	}
	if claims.Type != TokenAccess {
		return collab.User{}, fmt.Errorf("%w: access token required", collab.ErrAuthenticationFailed)
	}
	if claims.Subject == "" {
		return collab.User{}, fmt.Errorf("%w: token has no subject", collab.ErrAuthenticationFailed)
	}
	name := claims.Username
	if name == "" {
		name = claims.Subject
	}
	return collab.User{
		ID:          claims.Subject,
		DisplayName: name,
		Email:       claims.Email,
		Avatar:      claims.Avatar,
		Color:       ColorFor(claims.Subject),
	}, nil
}

func (p *Provider) CheckPermission(ctx context.Context, userID, docID string, level collab.Permission) (bool, error) {
	have := p.def
	if p.perms != nil {
		lvl, found, err := p.perms.Level(ctx, userID, docID)
		if err != nil {
			return false, err
		}
		if found {
			have = lvl
		}
	}
	return have >= level, nil
}
