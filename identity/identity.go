// Package identity resolves bearer tokens into tenant-scoped identities and
// issues tokens for the login endpoint.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/jwtauth/v5"
	pkgerrors "github.com/pkg/errors"

	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/store"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInactive        = errors.New("profile inactive")
)

type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
}

type Provider struct {
	auth     *jwtauth.JWTAuth
	profiles ProfileReader
	ttl      time.Duration
}

func New(secret string, ttl time.Duration, profiles ProfileReader) *Provider {
	return &Provider{
		auth:     jwtauth.New("HS256", []byte(secret), nil),
		profiles: profiles,
		ttl:      ttl,
	}
}

// Resolve verifies the token and loads the caller's profile. The stored
// profile is authoritative for tenant and role, not the token claims.
func (p *Provider) Resolve(ctx context.Context, bearer string) (model.Identity, error) {
	if bearer == "" {
		return model.Identity{}, ErrUnauthenticated
	}
	token, err := jwtauth.VerifyToken(p.auth, bearer)
	if err != nil {
		return model.Identity{}, pkgerrors.Wrap(ErrUnauthenticated, err.Error())
	}
	if token.Subject() == "" {
		return model.Identity{}, pkgerrors.Wrap(ErrUnauthenticated, "token has no subject")
	}

	profile, err := p.profiles.GetProfile(ctx, token.Subject())
	if errors.Is(err, store.ErrNotFound) {
		return model.Identity{}, pkgerrors.Wrap(ErrUnauthenticated, "unknown user")
	}
	if err != nil {
		return model.Identity{}, pkgerrors.Wrap(err, "identity.profile")
	}
	if !profile.Active {
		return model.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrInactive)
	}

	return model.Identity{
		UserID:   profile.UserID,
		TenantID: profile.TenantID,
		Role:     profile.Role,
		Active:   profile.Active,
	}, nil
}

// Issue signs a token for the profile and returns it with its expiry.
func (p *Provider) Issue(profile model.Profile) (string, time.Time, error) {
	claims := map[string]any{
		"sub":       profile.UserID,
		"tenant_id": profile.TenantID,
		"role":      profile.Role,
	}
	now := time.Now().UTC().Truncate(time.Second)
	expiry := now.Add(p.ttl)
	jwtauth.SetIssuedAt(claims, now)
	jwtauth.SetExpiry(claims, expiry)

	_, token, err := p.auth.Encode(claims)
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(err, "identity.issue")
	}
	return token, expiry, nil
}
