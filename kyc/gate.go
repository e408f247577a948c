package kyc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Level is the identity-verification level of a user.
type Level string

const (
	LevelNone     Level = "none"
	LevelBasic    Level = "basic"
	LevelEnhanced Level = "enhanced"
)

// Action is the money movement being gated.
type Action string

const (
	ActionRelease    Action = "release"
	ActionWithdrawal Action = "withdrawal"
)

// Missing requirement identifiers surfaced to the caller.
const (
	MissingIdentityDocument     = "identity_document"
	MissingEnhancedVerification = "enhanced_verification"
	MissingWithdrawalLimit      = "withdrawal_limit"
)

// Record is the verification data the engine consumes but does not own.
type Record struct {
	UserID          string
	Level           Level
	WithdrawalLimit int64
	PeriodWithdrawn int64
	UpdatedAt       time.Time
}

// Eligibility is the gate's verdict plus what the user still needs.
type Eligibility struct {
	Eligible bool
	Missing  []string
}

// RequiredError is returned when an ineligible recipient blocks a release or
// withdrawal; the ledger must not have been touched.
type RequiredError struct {
	UserID  string
	Missing []string
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("kyc: verification required for user %s (missing: %s)", e.UserID, strings.Join(e.Missing, ", "))
}

// Gate answers whether a user may receive the requested amount.
type Gate interface {
	CheckEligibility(ctx context.Context, userID string, amount int64, action Action) (Eligibility, error)
}

// Querier is the read surface the service needs (pool or tx).
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service implements Gate against the verification_records table. Amounts at
// or above EnhancedThreshold require enhanced verification.
type Service struct {
	db                Querier
	EnhancedThreshold int64
}

func NewService(db Querier, enhancedThreshold int64) *Service {
	return &Service{db: db, EnhancedThreshold: enhancedThreshold}
}

// CheckEligibility evaluates the user's verification record against the
// requested movement. A missing record is treated as unverified, not as an
// error.
func (s *Service) CheckEligibility(ctx context.Context, userID string, amount int64, action Action) (Eligibility, error) {
	if userID == "" {
		return Eligibility{}, fmt.Errorf("kyc: missing user id")
	}

	rec := Record{UserID: userID, Level: LevelNone}
	err := s.db.QueryRow(ctx, `
SELECT user_id, level, withdrawal_limit, period_withdrawn, updated_at
FROM verification_records
WHERE user_id = $1
`, userID).Scan(&rec.UserID, &rec.Level, &rec.WithdrawalLimit, &rec.PeriodWithdrawn, &rec.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Eligibility{}, fmt.Errorf("kyc: fetch record: %w", err)
	}

	var missing []string
	if rec.Level == LevelNone {
		missing = append(missing, MissingIdentityDocument)
	}
	if amount >= s.EnhancedThreshold && rec.Level != LevelEnhanced {
		missing = append(missing, MissingEnhancedVerification)
	}
	if action == ActionWithdrawal && rec.WithdrawalLimit > 0 && rec.PeriodWithdrawn+amount > rec.WithdrawalLimit {
		missing = append(missing, MissingWithdrawalLimit)
	}

	return Eligibility{Eligible: len(missing) == 0, Missing: missing}, nil
}
