package kyc

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type fakeQuerier struct {
	rec *Record
	err error
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRow{rec: f.rec, err: f.err}
}

type fakeRow struct {
	rec *Record
	err error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.rec == nil {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = r.rec.UserID
	*dest[1].(*Level) = r.rec.Level
	*dest[2].(*int64) = r.rec.WithdrawalLimit
	*dest[3].(*int64) = r.rec.PeriodWithdrawn
	*dest[4].(*time.Time) = r.rec.UpdatedAt
	return nil
}

func TestCheckEligibility(t *testing.T) {
	const threshold = 100000

	cases := []struct {
		name        string
		rec         *Record
		amount      int64
		action      Action
		eligible    bool
		wantMissing []string
	}{
		{
			name:        "no record means unverified",
			rec:         nil,
			amount:      5000,
			action:      ActionRelease,
			eligible:    false,
			wantMissing: []string{MissingIdentityDocument},
		},
		{
			name:     "basic verification below threshold",
			rec:      &Record{UserID: "u1", Level: LevelBasic},
			amount:   99999,
			action:   ActionRelease,
			eligible: true,
		},
		{
			name:        "basic verification at threshold needs enhanced",
			rec:         &Record{UserID: "u1", Level: LevelBasic},
			amount:      threshold,
			action:      ActionRelease,
			eligible:    false,
			wantMissing: []string{MissingEnhancedVerification},
		},
		{
			name:     "enhanced verification clears large release",
			rec:      &Record{UserID: "u1", Level: LevelEnhanced},
			amount:   250000,
			action:   ActionRelease,
			eligible: true,
		},
		{
			name:        "withdrawal over period limit",
			rec:         &Record{UserID: "u1", Level: LevelEnhanced, WithdrawalLimit: 50000, PeriodWithdrawn: 45000},
			amount:      10000,
			action:      ActionWithdrawal,
			eligible:    false,
			wantMissing: []string{MissingWithdrawalLimit},
		},
		{
			name:     "release ignores withdrawal limit",
			rec:      &Record{UserID: "u1", Level: LevelEnhanced, WithdrawalLimit: 50000, PeriodWithdrawn: 45000},
			amount:   10000,
			action:   ActionRelease,
			eligible: true,
		},
		{
			name:        "unverified large amount misses both",
			rec:         nil,
			amount:      threshold,
			action:      ActionRelease,
			eligible:    false,
			wantMissing: []string{MissingIdentityDocument, MissingEnhancedVerification},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(&fakeQuerier{rec: tc.rec}, threshold)
			elig, err := svc.CheckEligibility(context.Background(), "u1", tc.amount, tc.action)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if elig.Eligible != tc.eligible {
				t.Fatalf("eligible = %v, want %v (missing %v)", elig.Eligible, tc.eligible, elig.Missing)
			}
			if len(elig.Missing) != len(tc.wantMissing) {
				t.Fatalf("missing = %v, want %v", elig.Missing, tc.wantMissing)
			}
			for i := range tc.wantMissing {
				if elig.Missing[i] != tc.wantMissing[i] {
					t.Fatalf("missing = %v, want %v", elig.Missing, tc.wantMissing)
				}
			}
		})
	}
}

func TestCheckEligibilityRequiresUserID(t *testing.T) {
	svc := NewService(&fakeQuerier{}, 100000)
	if _, err := svc.CheckEligibility(context.Background(), "", 1000, ActionRelease); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
