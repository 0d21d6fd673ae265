package identity

import (
	"context"
	"fmt"
	"time"
)

// tokenResult is the outcome delivered to coalesced auto-register callers
type tokenResult struct {
	token     string
	expiresIn int
	err       error
}

// UploadTokenAutoRegister returns a valid upload token, registering
// the device first when no credential is cached.
//
// Concurrent callers during an in-flight registration are queued and
// all resolve from the single result, so the backend never sees
// duplicate registrations for one device. While the failure cooldown
// is active the call fails fast with ErrRateLimited and issues no
// network call.
func (i *Identity) UploadTokenAutoRegister(ctx context.Context) (string, int, error) {
	i.mu.Lock()

	if token, expiresIn, ok := i.validTokenLocked(); ok {
		i.mu.Unlock()
		return token, expiresIn, nil
	}

	if i.credentialIDLocked() != "" {
		i.mu.Unlock()
		return i.UploadToken(ctx)
	}

	if i.now().Before(i.cooldownUntil) {
		remaining := i.cooldownUntil.Sub(i.now())
		i.mu.Unlock()
		return "", 0, fmt.Errorf("%w: retry in %s", ErrRateLimited, remaining.Round(time.Millisecond))
	}

	if i.registering {
		// Another caller owns the in-flight registration; wait for
		// its result.
		waiter := make(chan tokenResult, 1)
		i.waiters = append(i.waiters, waiter)
		i.mu.Unlock()

		select {
		case res := <-waiter:
			return res.token, res.expiresIn, res.err
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}

	i.registering = true
	params := i.paramsLocked()
	i.mu.Unlock()

	var res tokenResult
	if params == nil {
		res.err = ErrNoRegistrationParams
	} else if _, err := i.register(ctx, params); err != nil {
		res.err = err
	} else {
		res.token, res.expiresIn, res.err = i.UploadToken(ctx)
	}

	i.finishRegistration(res)
	return res.token, res.expiresIn, res.err
}

// finishRegistration drains the pending-waiter list exactly once with
// the shared result.
func (i *Identity) finishRegistration(res tokenResult) {
	i.mu.Lock()
	i.registering = false
	waiters := i.waiters
	i.waiters = nil
	i.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- res
	}
}
