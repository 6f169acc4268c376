package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/store"
)

type profiles map[string]model.Profile

func (p profiles) GetProfile(_ context.Context, userID string) (model.Profile, error) {
	if userID == "broken" {
		return model.Profile{}, store.Transient(errors.New("connection refused"))
	}
	profile, ok := p[userID]
	if !ok {
		return model.Profile{}, store.ErrNotFound
	}
	return profile, nil
}

var testProfiles = profiles{
	"u1":     {UserID: "u1", TenantID: "t1", Role: model.RoleVolunteer, Active: true},
	"u2":     {UserID: "u2", TenantID: "t2", Role: model.RoleAnalyst, Active: true},
	"gone":   {UserID: "gone", TenantID: "t1", Role: model.RoleVolunteer, Active: false},
	"broken": {},
}

func TestIssueAndResolve(t *testing.T) {
	p := New("secret", time.Hour, testProfiles)

	token, expiry, err := p.Issue(testProfiles["u1"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, 2*time.Second)

	id, err := p.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, model.Identity{UserID: "u1", TenantID: "t1", Role: model.RoleVolunteer, Active: true}, id)
}

func TestProfileIsAuthoritative(t *testing.T) {
	p := New("secret", time.Hour, testProfiles)

	// claims say t1/admin, the stored profile says t2/analyst
	_, token, err := p.auth.Encode(map[string]any{
		"sub":       "u2",
		"tenant_id": "t1",
		"role":      model.RoleAdmin,
		"exp":       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	id, err := p.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "t2", id.TenantID)
	assert.Equal(t, model.RoleAnalyst, id.Role)
	assert.False(t, id.CanSubmit())
	assert.True(t, id.CanReadAll())
}

func TestResolveRejects(t *testing.T) {
	p := New("secret", time.Hour, testProfiles)
	other := jwtauth.New("HS256", []byte("other secret"), nil)

	sign := func(auth *jwtauth.JWTAuth, claims map[string]any) string {
		_, token, err := auth.Encode(claims)
		require.NoError(t, err)
		return token
	}
	hour := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong signature", sign(other, map[string]any{"sub": "u1", "exp": hour})},
		{"expired", sign(p.auth, map[string]any{"sub": "u1", "exp": time.Now().Add(-time.Hour)})},
		{"no subject", sign(p.auth, map[string]any{"exp": hour})},
		{"unknown user", sign(p.auth, map[string]any{"sub": "nobody", "exp": hour})},
		{"inactive", sign(p.auth, map[string]any{"sub": "gone", "exp": hour})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Resolve(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestResolveInactiveProfile(t *testing.T) {
	p := New("secret", time.Hour, testProfiles)
	token, _, err := p.Issue(model.Profile{UserID: "gone"})
	require.NoError(t, err)

	_, err = p.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestResolveStoreFailure(t *testing.T) {
	p := New("secret", time.Hour, testProfiles)
	token, _, err := p.Issue(model.Profile{UserID: "broken"})
	require.NoError(t, err)

	_, err = p.Resolve(context.Background(), token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.True(t, store.IsTransient(err))
}
