package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
)

const (
	// CodeTypeRegistration is the code type of the application bootstrap flow.
	CodeTypeRegistration = "app_registration"

	codeInitialDigits = 8
	codeMaxDigits     = 16
	codeInitialTTL    = 10 * time.Minute
	codeConfirmedTTL  = 10 * 24 * time.Hour
)

// CodeService runs the two-step code registration flow: an unauthenticated
// party requests a numeric code, an operator confirms it, and the party
// exchanges the confirmed code for a new Application.
type CodeService struct {
	codes store.CodeStore
	apps  *ApplicationService
}

// NewCodeService creates a new CodeService.
func NewCodeService(codes store.CodeStore, apps *ApplicationService) *CodeService {
	return &CodeService{codes: codes, apps: apps}
}

// IssueCode mints a fresh registration code with a 10 minute TTL. The code
// starts at 8 digits and grows by one digit per collision.
func (s *CodeService) IssueCode(ctx context.Context, ip string) (*models.OneTimeSecurityCode, error) {
	for digits := codeInitialDigits; digits <= codeMaxDigits; digits++ {
		code := &models.OneTimeSecurityCode{
			Code:      randomDigits(digits),
			CodeType:  CodeTypeRegistration,
			ExpiresAt: time.Now().UTC().Add(codeInitialTTL),
			IPAddress: ip,
		}
		err := s.codes.Insert(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("failed to issue code: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to issue code: exhausted code space")
}

// ConfirmCode marks a pending code as confirmed and extends its expiry to
// 10 days so the requesting party has time to complete registration.
func (s *CodeService) ConfirmCode(ctx context.Context, code string) (*models.OneTimeSecurityCode, error) {
	out, err := s.codes.Confirm(ctx, CodeTypeRegistration, code, time.Now().UTC().Add(codeConfirmedTTL))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("code: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to confirm code: %w", err)
	}
	return out, nil
}

// RegisterWithCode exchanges a confirmed code for a new Application. The
// code is consumed regardless of how the registration attempt went wrong,
// except when the name is merely taken.
func (s *CodeService) RegisterWithCode(ctx context.Context, code string, req models.CreateApplicationRequest) (*models.Application, error) {
	stored, err := s.codes.GetByCode(ctx, CodeTypeRegistration, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("code: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to look up code: %w", err)
	}
	if !stored.Confirmed {
		return nil, fmt.Errorf("code not confirmed: %w", ErrUnauthorized)
	}

	app, err := s.apps.CreateApplication(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.codes.Delete(ctx, stored.ID); err != nil {
		// The code will still die by TTL; registration already succeeded.
		return app, nil
	}
	return app, nil
}

// randomDigits returns n decimal digits from crypto/rand, leading zeros
// included.
func randomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}
