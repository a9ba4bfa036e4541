//go:generate go run go.uber.org/mock/mockgen -source=verifier.go -destination=../mocks/mock_verifier.go -package=mocks

// Package auth exchanges opaque bearer credentials for verified profiles and
// binds them to sessions.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Verifier is the external identity-verification collaborator. It returns
// the profile behind a credential, or one of errs.ErrExpiredCredential,
// errs.ErrMalformedCredential or errs.ErrVerificationUnavailable.
type Verifier interface {
	Verify(ctx context.Context, credential string) (protocol.Profile, error)
}

// StaticVerifier resolves credentials from a fixed table. It backs local
// development and tests.
type StaticVerifier struct {
	profiles map[string]protocol.Profile
}

func NewStaticVerifier(profiles map[string]protocol.Profile) *StaticVerifier {
	table := make(map[string]protocol.Profile, len(profiles))
	for token, p := range profiles {
		table[token] = p
	}
	return &StaticVerifier{profiles: table}
}

func (v *StaticVerifier) Verify(ctx context.Context, credential string) (protocol.Profile, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, err)
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return protocol.Profile{}, fmt.Errorf("%w: empty credential", errs.ErrMalformedCredential)
	}
	p, ok := v.profiles[credential]
	if !ok {
		return protocol.Profile{}, fmt.Errorf("%w: unknown credential", errs.ErrMalformedCredential)
	}
	return p, nil
}
