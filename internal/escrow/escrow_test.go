package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/payments/internal/ledger"
	"github.com/tutorhub/payments/internal/wallet"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestService() (*Service, *wallet.MemoryStore) {
	svc, wallets, _ := newTestServiceWithLedger()
	return svc, wallets
}

func newTestServiceWithLedger() (*Service, *wallet.MemoryStore, *ledger.MemoryStore) {
	wallets := wallet.NewMemoryStore("USD")
	ledgerMem := ledger.NewMemoryStore(wallets)
	svc := NewService(NewMemoryStore(ledgerMem), ledger.New(ledgerMem), "USD", nil)
	return svc, wallets, ledgerMem
}

func openHeld(t *testing.T, svc *Service, assignmentID, amount string) *Record {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Open(ctx, OpenRequest{
		AssignmentID: assignmentID,
		Amount:       dec(amount),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)
	rec, applied, err := svc.ConfirmPayment(ctx, assignmentID, "ref-"+assignmentID, "inv-"+assignmentID)
	require.NoError(t, err)
	require.False(t, applied)
	return rec
}

func TestOpen(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rec, err := svc.Open(ctx, OpenRequest{
		AssignmentID: "asg-1",
		Amount:       dec("500"),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StateUnpaid, rec.State)
	assert.Equal(t, "USD", rec.Currency)
	assert.False(t, rec.IsTerminal())

	_, err = svc.Open(ctx, OpenRequest{AssignmentID: "asg-1", Amount: dec("500"), StudentID: "s", TutorID: "t"})
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	_, err = svc.Open(ctx, OpenRequest{AssignmentID: "asg-2", Amount: dec("-5"), StudentID: "s", TutorID: "t"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Open(ctx, OpenRequest{AssignmentID: "asg-3", Amount: dec("5"), StudentID: "u1", TutorID: "u1"})
	assert.ErrorIs(t, err, ErrSameParticipants)
}

func TestConfirmPayment(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	rec := openHeld(t, svc, "asg-1", "500")
	assert.Equal(t, StateHeld, rec.State)
	assert.Equal(t, "inv-asg-1", rec.GatewayInvoiceID)

	w, _ := wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")))
}

func TestConfirmPayment_ReplayIsNoOp(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "500")

	rec, applied, err := svc.ConfirmPayment(ctx, "asg-1", "ref-asg-1", "inv-asg-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StateHeld, rec.State)

	w, _ := wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")), "replay must not double-credit")
}

func TestConfirmPayment_UnknownReferenceOnSettledRecord(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "500")
	_, err := svc.Settle(ctx, "asg-1", Outcome{
		State:         StateReleased,
		TutorAmount:   dec("450"),
		PlatformFee:   dec("50"),
		StudentAmount: decimal.Zero,
	})
	require.NoError(t, err)

	// A different reference against a closed record is a conflict, not a replay.
	_, _, err = svc.ConfirmPayment(ctx, "asg-1", "ref-other", "inv-other")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestSettle_Release(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "500")

	rec, err := svc.Settle(ctx, "asg-1", Outcome{
		State:       StateReleased,
		TutorAmount: dec("450"),
		PlatformFee: dec("50"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateReleased, rec.State)
	require.NotNil(t, rec.SettledAt)

	student, _ := wallets.Get(ctx, "student-1")
	tutor, _ := wallets.Get(ctx, "tutor-1")
	platform, _ := wallets.Get(ctx, wallet.PlatformAccountID)
	assert.True(t, student.EscrowBalance.IsZero())
	assert.True(t, tutor.AvailableBalance.Equal(dec("450")))
	assert.True(t, tutor.TotalEarnings.Equal(dec("450")))
	assert.True(t, platform.AvailableBalance.Equal(dec("50")))
}

func TestSettle_FailureLeavesRecordHeld(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "500")

	// Knock the escrow bucket out from under the record so the money
	// movement fails.
	require.NoError(t, wallets.Debit(ctx, "student-1", dec("500"), wallet.BucketEscrow))

	out := Outcome{State: StateReleased, TutorAmount: dec("450"), PlatformFee: dec("50")}
	_, err := svc.Settle(ctx, "asg-1", out)
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	// The record must not reach a terminal state when the movement failed,
	// or the ruling could never be retried.
	rec, err := svc.GetByAssignment(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, StateHeld, rec.State)
	assert.Nil(t, rec.SettledAt)

	require.NoError(t, wallets.Credit(ctx, "student-1", dec("500"), wallet.BucketEscrow))
	rec, err = svc.Settle(ctx, "asg-1", out)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, rec.State)
}

func TestConfirmPayment_CompletesInterruptedHold(t *testing.T) {
	svc, wallets, ledgerMem := newTestServiceWithLedger()
	ctx := context.Background()

	_, err := svc.Open(ctx, OpenRequest{
		AssignmentID: "asg-1",
		Amount:       dec("500"),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)

	// Funds on the books but the record never reached held (an interrupted
	// confirmation). The next confirmation must finish the transition
	// without moving money again.
	_, err = ledgerMem.RecordHold(ctx, ledger.Hold{
		StudentID:        "student-1",
		Amount:           dec("500"),
		Currency:         "USD",
		AssignmentID:     "asg-1",
		GatewayReference: "ref-asg-1",
	})
	require.NoError(t, err)

	rec, applied, err := svc.ConfirmPayment(ctx, "asg-1", "ref-asg-1", "inv-asg-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StateHeld, rec.State)

	w, _ := wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")), "healing must not double-credit")
}

func TestConfirmPayment_ForeignReferenceIsNotReplay(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "500")
	openHeld(t, svc, "asg-2", "300")

	// asg-1's reference against the held asg-2 record is a conflict, not a
	// replay of asg-2's confirmation.
	_, _, err := svc.ConfirmPayment(ctx, "asg-2", "ref-asg-1", "inv-x")
	assert.ErrorIs(t, err, ErrStateConflict)

	// And against an unpaid record it is refused before any money moves.
	_, err = svc.Open(ctx, OpenRequest{
		AssignmentID: "asg-3",
		Amount:       dec("200"),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)
	_, _, err = svc.ConfirmPayment(ctx, "asg-3", "ref-asg-1", "inv-y")
	assert.ErrorIs(t, err, ErrStateConflict)

	rec, err := svc.GetByAssignment(ctx, "asg-3")
	require.NoError(t, err)
	assert.Equal(t, StateUnpaid, rec.State)

	w, _ := wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("800")), "only asg-1 and asg-2 were funded")
}

func TestSettle_TerminalStatesAreFinal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "100")
	_, err := svc.Settle(ctx, "asg-1", Outcome{State: StateRefunded, StudentAmount: dec("100")})
	require.NoError(t, err)

	_, err = svc.Settle(ctx, "asg-1", Outcome{State: StateReleased, TutorAmount: dec("100")})
	assert.ErrorIs(t, err, ErrEscrowNotHeld)
}

func TestSettle_RejectsNonConservingOutcome(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "100")

	_, err := svc.Settle(ctx, "asg-1", Outcome{State: StateReleased, TutorAmount: dec("90")})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = svc.Settle(ctx, "asg-1", Outcome{State: StateHeld, TutorAmount: dec("100")})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestSettle_ConcurrentExactlyOneWinner(t *testing.T) {
	svc, wallets := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "1000")

	outcomes := []Outcome{
		{State: StateReleased, TutorAmount: dec("900"), PlatformFee: dec("100")},
		{State: StateRefunded, StudentAmount: dec("1000")},
		{State: StateSplitSettled, StudentAmount: dec("500"), TutorAmount: dec("450"), PlatformFee: dec("50")},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(outcomes))
	for i, out := range outcomes {
		wg.Add(1)
		go func(i int, out Outcome) {
			defer wg.Done()
			_, errs[i] = svc.Settle(ctx, "asg-1", out)
		}(i, out)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrEscrowNotHeld)
		}
	}
	assert.Equal(t, 1, winners)

	// Whatever ruling won, the held amount moved exactly once.
	student, _ := wallets.Get(ctx, "student-1")
	tutor, _ := wallets.Get(ctx, "tutor-1")
	platform, _ := wallets.Get(ctx, wallet.PlatformAccountID)
	total := student.AvailableBalance.Add(tutor.AvailableBalance).Add(platform.AvailableBalance)
	assert.True(t, total.Equal(dec("1000")))
	assert.True(t, student.EscrowBalance.IsZero())
}

func TestCancelUnpaid(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Open(ctx, OpenRequest{AssignmentID: "asg-1", Amount: dec("100"), StudentID: "s1", TutorID: "t1"})
	require.NoError(t, err)

	rec, err := svc.CancelUnpaid(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)

	// Cancelled records never accept a payment.
	_, _, err = svc.ConfirmPayment(ctx, "asg-1", "ref-late", "inv-late")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestCancelUnpaid_RefusesHeldRecord(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	openHeld(t, svc, "asg-1", "100")

	_, err := svc.CancelUnpaid(ctx, "asg-1")
	assert.ErrorIs(t, err, ErrNotCancellable)
}
