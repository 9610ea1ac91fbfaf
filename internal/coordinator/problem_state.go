package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/wardroom/internal/remediation"
	"github.com/dreamware/wardroom/internal/ward"
)

// DefaultCooldown is the lock window armed by every remediation attempt.
const DefaultCooldown = 180 * time.Second

// setStatus is the caller-directed transition: any named status may follow
// any other, unless the problem's lock window is open.
func setStatus(p *ward.Problem, next ward.Status, now time.Time) error {
	if !next.Valid() {
		return ErrInvalidStatus
	}
	if p.IsLocked(now) {
		return newLockedError(p, now)
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// Remediator runs the remediation protocol's transitions and its external call.
//
// The protocol for one problem:
//
//	acquire:  critical|serious|stable -> processing, lockedUntil = now+cooldown
//	attempt:  external action, bounded by timeout, no ledger lock held
//	settle:   success -> resolved, failure -> serious; both re-arm lockedUntil
//
// Only one attempt per problem can be in flight: the ledger refuses every
// mutation of the key between acquire and settle with ErrInFlight, and
// acquire itself fails with a LockedError while a previous window is open.
// The timeout never exceeds the cooldown, so the attempt also ends inside
// the window it opened.
type Remediator struct {
	action   remediation.Action
	cooldown time.Duration
	timeout  time.Duration
}

// NewRemediator wraps action with the configured timeout. A timeout that is
// unset or longer than the cooldown is cut to the cooldown.
func NewRemediator(action remediation.Action, cooldown, timeout time.Duration) *Remediator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if timeout <= 0 || timeout > cooldown {
		timeout = cooldown
	}
	if action == nil {
		action = remediation.Simulated{}
	}
	action = remediation.WithTimeout(action, timeout)
	return &Remediator{action: action, cooldown: cooldown, timeout: timeout}
}

// Cooldown returns the lock window length.
func (r *Remediator) Cooldown() time.Duration { return r.cooldown }

// Timeout returns the bound applied to each attempt.
func (r *Remediator) Timeout() time.Duration { return r.timeout }

// acquire takes the lock before the external call starts.
func (r *Remediator) acquire(p *ward.Problem, now time.Time) error {
	if p.Status == ward.StatusResolved {
		return errAlreadyResolved
	}
	if p.IsLocked(now) {
		return newLockedError(p, now)
	}
	p.Status = ward.StatusProcessing
	p.LockedUntil = now.Add(r.cooldown)
	p.UpdatedAt = now
	return nil
}

// attempt invokes the external action. A panicking action counts as a
// failed attempt so the problem still settles.
func (r *Remediator) attempt(ctx context.Context, target string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", remediation.ErrPanicked, rec)
		}
	}()
	return r.action.Attempt(ctx, target)
}

// settle applies the protocol's internal transition out of processing. These
// are the only transitions allowed while the lock is held.
func (r *Remediator) settle(p *ward.Problem, now time.Time, succeeded bool) {
	if succeeded {
		p.Status = ward.StatusResolved
	} else {
		p.Status = ward.StatusSerious
	}
	p.LockedUntil = now.Add(r.cooldown)
	p.UpdatedAt = now
}
