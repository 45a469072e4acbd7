package auth

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerAuthenticator shields the auth backend behind a circuit breaker:
// when the backend is failing, connections are rejected fast instead of
// piling up in handshake timeouts. Invalid credentials are not failures;
// only backend unavailability trips the breaker.
type BreakerAuthenticator struct {
	next Authenticator
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(next Authenticator) *BreakerAuthenticator {
	return &BreakerAuthenticator{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "authenticator",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (a *BreakerAuthenticator) Authenticate(ctx context.Context, cred Credential) (Identity, error) {
	res, err := a.cb.Execute(func() (any, error) {
		id, err := a.next.Authenticate(ctx, cred)
		if errors.Is(err, ErrInvalidCredential) {
			// A bad token is a healthy backend saying no. Wrap the
			// rejection so the breaker counts it as success.
			return rejection{err}, nil
		}
		return id, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Identity{}, ErrUnavailable
		}
		return Identity{}, err
	}
	if rej, ok := res.(rejection); ok {
		return Identity{}, rej.err
	}
	return res.(Identity), nil
}

type rejection struct{ err error }
