package service

import (
	"context"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
)

// Notifier delivers out-of-band notices. Transport is external; the ceremony
// layer only decides when a notice is owed.
type Notifier interface {
	// VerificationNotice is sent after account registration.
	VerificationNotice(ctx context.Context, owner *domain.Owner) error

	// RecoveryNotice is sent when an account-recovery ceremony is
	// requested for an existing account.
	RecoveryNotice(ctx context.Context, owner *domain.Owner) error
}

// NopNotifier drops all notices.
type NopNotifier struct{}

func (NopNotifier) VerificationNotice(context.Context, *domain.Owner) error { return nil }
func (NopNotifier) RecoveryNotice(context.Context, *domain.Owner) error     { return nil }
