package contract

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusPendingSignatures},
		{StatusPendingSignatures, StatusPendingFunding},
		{StatusPendingFunding, StatusActive},
		{StatusActive, StatusPendingDelivery},
		{StatusPendingDelivery, StatusInReview},
		{StatusInReview, StatusRevisionRequested},
		{StatusRevisionRequested, StatusActive},
		{StatusInReview, StatusPendingCompletion},
		{StatusPendingCompletion, StatusCompleted},
		{StatusActive, StatusDisputed},
		{StatusDisputed, StatusCancelled},
		{StatusActive, StatusCancellationPending},
		{StatusCancellationPending, StatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusActive},
		{StatusDraft, StatusCompleted},
		{StatusPendingFunding, StatusPendingDelivery},
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusDraft},
		{StatusCancellationPending, StatusActive},
		{StatusPendingCompletion, StatusActive},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoTargets(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
		if targets := AllowedTargets(s); len(targets) != 0 {
			t.Errorf("terminal status %s has targets %v", s, targets)
		}
	}
}

func TestAllowedTargetsIsACopy(t *testing.T) {
	targets := AllowedTargets(StatusActive)
	if len(targets) == 0 {
		t.Fatal("expected targets for active")
	}
	targets[0] = Status("mutated")
	if AllowedTargets(StatusActive)[0] == Status("mutated") {
		t.Fatal("AllowedTargets leaked the internal slice")
	}
}

func TestInvalidTransitionErrorCarriesAlternatives(t *testing.T) {
	err := &InvalidTransitionError{
		From:    StatusDraft,
		To:      StatusCompleted,
		Allowed: AllowedTargets(StatusDraft),
	}
	if len(err.Allowed) == 0 {
		t.Fatal("expected allowed targets on the error")
	}
	var target *InvalidTransitionError
	if !errors.As(error(err), &target) {
		t.Fatal("errors.As failed on InvalidTransitionError")
	}
}

func TestDisputeExempt(t *testing.T) {
	if !disputeExempt(StatusActive, StatusDisputed) {
		t.Error("entering disputed must be exempt from the freeze")
	}
	if !disputeExempt(StatusDisputed, StatusCancelled) {
		t.Error("administrative cancellation out of disputed must be exempt")
	}
	if disputeExempt(StatusDisputed, StatusActive) {
		t.Error("thawing to active requires the dispute to be resolved first")
	}
	if disputeExempt(StatusActive, StatusPendingDelivery) {
		t.Error("ordinary transitions are frozen while a dispute is open")
	}
}

func TestRoleAllowed(t *testing.T) {
	c := Contract{ID: "c1", ClientID: "client-1", FreelancerID: "freelancer-1", Status: StatusActive}

	cases := []struct {
		name  string
		actor Actor
		from  Status
		next  Status
		want  error
	}{
		{"freelancer submits delivery", Actor{ID: "freelancer-1", Role: RoleFreelancer}, StatusActive, StatusPendingDelivery, nil},
		{"client cannot submit delivery", Actor{ID: "client-1", Role: RoleClient}, StatusActive, StatusPendingDelivery, ErrUnauthorized},
		{"client approves completion", Actor{ID: "client-1", Role: RoleClient}, StatusInReview, StatusPendingCompletion, nil},
		{"freelancer cannot approve completion", Actor{ID: "freelancer-1", Role: RoleFreelancer}, StatusInReview, StatusPendingCompletion, ErrUnauthorized},
		{"stranger rejected", Actor{ID: "someone-else", Role: RoleClient}, StatusActive, StatusPendingDelivery, ErrUnauthorized},
		{"admin may drive anything", Actor{ID: "ops", Role: RoleAdmin}, StatusActive, StatusPendingDelivery, nil},
		{"freelancer resumes after revision", Actor{ID: "freelancer-1", Role: RoleFreelancer}, StatusRevisionRequested, StatusActive, nil},
		{"client rejects delivery back to active", Actor{ID: "client-1", Role: RoleClient}, StatusPendingDelivery, StatusActive, nil},
		{"freelancer cannot self-reject delivery", Actor{ID: "freelancer-1", Role: RoleFreelancer}, StatusPendingDelivery, StatusActive, ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := c
			c.Status = tc.from
			if got := roleAllowed(tc.actor, c, tc.next); !errors.Is(got, tc.want) {
				t.Fatalf("roleAllowed(%s->%s by %s) = %v, want %v", tc.from, tc.next, tc.actor.ID, got, tc.want)
			}
		})
	}
}
