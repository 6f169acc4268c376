package httpx

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/mbolis/field-survey/model"
	"github.com/mbolis/field-survey/store"
)

var ErrBadCredentials = errors.New("bad credentials")

type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
}

type CredentialsVerifier struct {
	profiles ProfileReader
	// hashed against when the user is unknown
	decoy []byte
}

func NewCredentialsVerifier(profiles ProfileReader) *CredentialsVerifier {
	decoy, _ := bcrypt.GenerateFromPassword([]byte("decoy password"), bcrypt.DefaultCost)
	return &CredentialsVerifier{profiles: profiles, decoy: decoy}
}

// ValidateUser returns the profile of an active user whose password matches.
func (cv *CredentialsVerifier) ValidateUser(ctx context.Context, username string, password string) (model.Profile, error) {
	profile, err := cv.profiles.GetProfile(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(cv.decoy, []byte(password))
		return model.Profile{}, ErrBadCredentials
	}
	if err != nil {
		return model.Profile{}, err
	}

	if bcrypt.CompareHashAndPassword(profile.PasswordHash, []byte(password)) != nil {
		return model.Profile{}, ErrBadCredentials
	}
	if !profile.Active {
		return model.Profile{}, ErrBadCredentials
	}
	return profile, nil
}
