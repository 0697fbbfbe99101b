// Package auth maps bearer tokens to reviewer identities.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/davidahmann/surmed/pkg/types"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// DevActorID is the identity behind the development token.
const DevActorID = "dev"

type Authenticator interface {
	Authenticate(r *http.Request) (types.Actor, error)
}

type Reviewer struct {
	ID    string
	Token string
	Staff bool
}

// TokenAuthenticator checks static per-reviewer tokens. The optional
// development token authenticates as a staff reviewer.
type TokenAuthenticator struct {
	DevToken  string
	reviewers []Reviewer
}

func NewTokenAuthenticator(devToken string, reviewers []Reviewer) (*TokenAuthenticator, error) {
	ids := map[string]bool{}
	tokens := map[string]bool{devToken: devToken != ""}
	for _, r := range reviewers {
		if strings.TrimSpace(r.ID) == "" || r.Token == "" {
			return nil, fmt.Errorf("reviewer id and token are required")
		}
		if ids[r.ID] {
			return nil, fmt.Errorf("duplicate reviewer %q", r.ID)
		}
		if tokens[r.Token] {
			return nil, fmt.Errorf("reviewer %q reuses another reviewer's token", r.ID)
		}
		ids[r.ID], tokens[r.Token] = true, true
	}
	return &TokenAuthenticator{DevToken: devToken, reviewers: append([]Reviewer(nil), reviewers...)}, nil
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (types.Actor, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return types.Actor{}, err
	}

	if a.DevToken != "" && equal(bearer, a.DevToken) {
		return types.Actor{ID: DevActorID, Staff: true}, nil
	}

	// Every token is compared so the match position does not show in timing.
	var found *Reviewer
	for i := range a.reviewers {
		if equal(bearer, a.reviewers[i].Token) && found == nil {
			found = &a.reviewers[i]
		}
	}
	if found == nil {
		return types.Actor{}, ErrInvalidToken
	}
	return types.Actor{ID: found.ID, Staff: found.Staff}, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
