package dispute

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/ledger"
	"github.com/tutorhub/payments/internal/settings"
	"github.com/tutorhub/payments/internal/wallet"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	disputes *Service
	escrows  *escrow.Service
	wallets  *wallet.MemoryStore
	settings *settings.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wallets := wallet.NewMemoryStore("USD")
	ledgerMem := ledger.NewMemoryStore(wallets)
	escrows := escrow.NewService(escrow.NewMemoryStore(ledgerMem), ledger.New(ledgerMem), "USD", nil)

	cfg, err := settings.NewMemoryStore(settings.Settings{
		PlatformFeeRate:   dec("0.10"),
		MinTransactionFee: dec("20"),
		Currency:          "USD",
	})
	require.NoError(t, err)

	return &fixture{
		disputes: NewService(escrows, cfg, nil),
		escrows:  escrows,
		wallets:  wallets,
		settings: cfg,
	}
}

func (f *fixture) open(t *testing.T, assignmentID, amount string) {
	t.Helper()
	_, err := f.escrows.Open(context.Background(), escrow.OpenRequest{
		AssignmentID: assignmentID,
		Amount:       dec(amount),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)
}

func (f *fixture) openHeld(t *testing.T, assignmentID, amount string) {
	t.Helper()
	f.open(t, assignmentID, amount)
	_, _, err := f.escrows.ConfirmPayment(context.Background(), assignmentID, "ref-"+assignmentID, "inv-"+assignmentID)
	require.NoError(t, err)
}

func TestResolve_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "500")

	summary, err := f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRefund, AdminID: "adm-1"})
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, summary.EscrowState)
	assert.True(t, summary.StudentAmount.Equal(dec("500")))
	assert.True(t, summary.PlatformFee.IsZero(), "no fee on refunds")
	assert.False(t, summary.NoFinancialTransfer)

	student, _ := f.wallets.Get(ctx, "student-1")
	assert.True(t, student.AvailableBalance.Equal(dec("500")))
	assert.True(t, student.EscrowBalance.IsZero())
}

func TestResolve_Release(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "500")

	summary, err := f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRelease})
	require.NoError(t, err)
	assert.True(t, summary.TutorAmount.Equal(dec("450")))
	assert.True(t, summary.PlatformFee.Equal(dec("50")))

	tutor, _ := f.wallets.Get(ctx, "tutor-1")
	assert.True(t, tutor.AvailableBalance.Equal(dec("450")))
	assert.True(t, tutor.TotalEarnings.Equal(dec("450")))
}

func TestResolve_Split(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "1000")

	summary, err := f.disputes.Resolve(ctx, "asg-1", Ruling{
		ResolutionType: ResolutionSplit,
		StudentPercent: dec("30"),
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.StateSplitSettled, summary.EscrowState)
	assert.True(t, summary.StudentAmount.Equal(dec("300")))
	assert.True(t, summary.TutorAmount.Equal(dec("630")))
	assert.True(t, summary.PlatformFee.Equal(dec("70")))

	total := summary.StudentAmount.Add(summary.TutorAmount).Add(summary.PlatformFee)
	assert.True(t, total.Equal(dec("1000")))
}

func TestResolve_UnpaidShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "asg-1", "500") // never paid

	summary, err := f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRelease, AdminID: "adm-1"})
	require.NoError(t, err)
	assert.True(t, summary.NoFinancialTransfer)
	assert.Equal(t, escrow.StateCancelled, summary.EscrowState)
	assert.True(t, summary.EscrowAmount.IsZero())

	// No money ever moved.
	student, _ := f.wallets.Get(ctx, "student-1")
	tutor, _ := f.wallets.Get(ctx, "tutor-1")
	assert.True(t, student.EscrowBalance.IsZero())
	assert.True(t, student.AvailableBalance.IsZero())
	assert.True(t, tutor.AvailableBalance.IsZero())
}

func TestResolve_AlreadySettledConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "500")

	_, err := f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRefund})
	require.NoError(t, err)

	_, err = f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRelease})
	assert.ErrorIs(t, err, escrow.ErrEscrowNotHeld)
}

func TestResolve_ConcurrentRulingsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "1000")

	rulings := []Ruling{
		{ResolutionType: ResolutionRefund},
		{ResolutionType: ResolutionRelease},
		{ResolutionType: ResolutionSplit, StudentPercent: dec("50")},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(rulings))
	for i, r := range rulings {
		wg.Add(1)
		go func(i int, r Ruling) {
			defer wg.Done()
			_, errs[i] = f.disputes.Resolve(ctx, "asg-1", r)
		}(i, r)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestResolve_UsesFreshSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "1000")

	_, err := f.settings.Update(ctx, settings.Settings{
		PlatformFeeRate:   dec("0.20"),
		MinTransactionFee: dec("20"),
	})
	require.NoError(t, err)

	summary, err := f.disputes.Resolve(ctx, "asg-1", Ruling{ResolutionType: ResolutionRelease})
	require.NoError(t, err)
	assert.True(t, summary.PlatformFee.Equal(dec("200")), "updated rate applies to the next ruling")
}

func TestResolve_UnknownType(t *testing.T) {
	f := newFixture(t)
	f.openHeld(t, "asg-1", "100")

	_, err := f.disputes.Resolve(context.Background(), "asg-1", Ruling{ResolutionType: "escalate"})
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

func TestAccept_ReleasesToTutor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "300")

	summary, err := f.disputes.Accept(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, summary.EscrowState)
	assert.Equal(t, "delivery_accepted", summary.Reason)
	assert.True(t, summary.TutorAmount.Equal(dec("270")))
}

func TestPreviewResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openHeld(t, "asg-1", "1000")

	pv, err := f.disputes.PreviewResolution(ctx, "asg-1", dec("30"))
	require.NoError(t, err)
	assert.True(t, pv.FinanciallyActionable)
	require.Len(t, pv.Options, 3)

	byType := map[ResolutionType]PreviewOption{}
	for _, opt := range pv.Options {
		byType[opt.ResolutionType] = opt
	}
	assert.True(t, byType[ResolutionRefund].StudentAmount.Equal(dec("1000")))
	assert.True(t, byType[ResolutionRelease].TutorAmount.Equal(dec("900")))
	assert.True(t, byType[ResolutionSplit].StudentAmount.Equal(dec("300")))

	// Preview must not move anything.
	rec, err := f.escrows.GetByAssignment(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateHeld, rec.State)
}

func TestPreviewResolution_UnpaidNotActionable(t *testing.T) {
	f := newFixture(t)
	f.open(t, "asg-1", "100")

	pv, err := f.disputes.PreviewResolution(context.Background(), "asg-1", dec("50"))
	require.NoError(t, err)
	assert.False(t, pv.FinanciallyActionable)
	assert.Empty(t, pv.Options)
}
