package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Subject is the session being authenticated.
type Subject interface {
	ID() uuid.UUID
	BeginAuthentication() error
	AttachProfile(protocol.Profile) error
	RecordFailedAuth() int
	Send(protocol.Envelope) error
}

// Gateway runs credential verification for sessions and delivers the
// resulting profile back to the originating session only.
type Gateway struct {
	verifier    Verifier
	log         *zap.Logger
	timeout     time.Duration
	maxAttempts int
}

// NewGateway creates a gateway. A zero timeout disables the verification
// deadline; a zero maxAttempts allows unlimited retries.
func NewGateway(log *zap.Logger, verifier Verifier, timeout time.Duration, maxAttempts int) *Gateway {
	return &Gateway{verifier: verifier, log: log, timeout: timeout, maxAttempts: maxAttempts}
}

// Verify exchanges a credential for a validated profile.
func (g *Gateway) Verify(ctx context.Context, credential string) (protocol.Profile, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// The verifier may not honour ctx, so the deadline is enforced here.
	type result struct {
		profile protocol.Profile
		err     error
	}
	done := make(chan result, 1)
	go func() {
		profile, err := g.verifier.Verify(ctx, credential)
		done <- result{profile, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, ctx.Err())
	}

	profile, err := r.profile, r.err
	if err != nil {
		if !errs.IsAuthError(err) {
			err = fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, err)
		}
		return protocol.Profile{}, err
	}
	if err := protocol.ValidateProfile(profile); err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: verifier returned incomplete profile: %v", errs.ErrVerificationUnavailable, err)
	}
	return profile, nil
}

// Authenticate verifies the credential in p and, on success, attaches the
// profile to s and sends it a single profile envelope. On a verification
// failure s stays authenticating; once the attempt limit is reached the
// returned error also matches errs.ErrTooManyAuthAttempts.
func (g *Gateway) Authenticate(ctx context.Context, s Subject, p protocol.AuthPayload) (protocol.Profile, error) {
	if err := s.BeginAuthentication(); err != nil {
		return protocol.Profile{}, err
	}

	profile, err := g.Verify(ctx, p.Token)
	if err != nil {
		metrics.AuthOutcomes.WithLabelValues(outcome(err)).Inc()
		attempts := s.RecordFailedAuth()
		g.log.Warn("Authentication failed",
			zap.String("client_id", s.ID().String()),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if g.maxAttempts > 0 && attempts >= g.maxAttempts {
			return protocol.Profile{}, fmt.Errorf("%w: %w", errs.ErrTooManyAuthAttempts, err)
		}
		return protocol.Profile{}, err
	}

	if err := s.AttachProfile(profile); err != nil {
		return protocol.Profile{}, err
	}
	metrics.AuthOutcomes.WithLabelValues("ok").Inc()
	g.log.Info("Session authenticated",
		zap.String("client_id", s.ID().String()),
		zap.String("email", profile.Email))

	if err := s.Send(protocol.New(profile)); err != nil {
		return profile, err
	}
	return profile, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, errs.ErrMalformedCredential):
		return "malformed"
	default:
		return "unavailable"
	}
}
