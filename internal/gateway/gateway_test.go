package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/payments/internal/escrow"
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

// fakeClient is a scriptable provider.
type fakeClient struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	err      error
}

func newFakeClient() *fakeClient {
	return &fakeClient{invoices: make(map[string]*Invoice)}
}

func (f *fakeClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	inv := &Invoice{
		InvoiceID:   "inv-" + req.Reference,
		RedirectURL: "https://pay.example.com/" + req.Reference,
		Status:      "created",
	}
	f.invoices[inv.InvoiceID] = inv
	return inv, nil
}

func (f *fakeClient) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeClient) setStatus(invoiceID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[invoiceID].Status = status
}

type fixture struct {
	service *Service
	client  *fakeClient
	escrows *escrow.Service
	wallets *wallet.MemoryStore
	store   *MemoryStore
}

func newFixture(ttl time.Duration) *fixture {
	wallets := wallet.NewMemoryStore("USD")
	ledgerMem := ledger.NewMemoryStore(wallets)
	escrows := escrow.NewService(escrow.NewMemoryStore(ledgerMem), ledger.New(ledgerMem), "USD", nil)
	client := newFakeClient()
	store := NewMemoryStore()
	svc := NewService(store, client, escrows, Config{
		Currency:    "USD",
		CheckoutTTL: ttl,
		WebhookKey:  "hook-secret",
	}, nil)
	return &fixture{service: svc, client: client, escrows: escrows, wallets: wallets, store: store}
}

func (f *fixture) checkout(t *testing.T, assignmentID, amount string) *CheckoutSession {
	t.Helper()
	ctx := context.Background()
	_, err := f.escrows.Open(ctx, escrow.OpenRequest{
		AssignmentID: assignmentID,
		Amount:       dec(amount),
		StudentID:    "student-1",
		TutorID:      "tutor-1",
	})
	require.NoError(t, err)
	session, err := f.service.CreateCheckout(ctx, assignmentID)
	require.NoError(t, err)
	return session
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"success":    StatusCompleted,
		"Successful": StatusCompleted,
		"PAID":       StatusCompleted,
		"completed":  StatusCompleted,
		"pending":    StatusPending,
		"processing": StatusPending,
		"created":    StatusPending,
		"failed":     StatusFailed,
		"error":      StatusFailed,
		"declined":   StatusFailed,
		"cancelled":  StatusCancelled,
		"canceled":   StatusCancelled,
		"expired":    StatusCancelled,
		"abandoned":  StatusCancelled,
		"refunded":   StatusRefunded,
		"reversed":   StatusRefunded,
		"banana":     StatusUnknown,
		"":           StatusUnknown,
		" paid ":     StatusCompleted,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), "raw status %q", raw)
	}
}

func TestAuthenticateWebhook(t *testing.T) {
	f := newFixture(0)
	assert.True(t, f.service.AuthenticateWebhook("hook-secret"))
	assert.False(t, f.service.AuthenticateWebhook("wrong"))
	assert.False(t, f.service.AuthenticateWebhook(""))
}

func TestCreateCheckout(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")
	assert.Equal(t, "inv-asg-1", session.InvoiceID)
	assert.NotEmpty(t, session.RedirectURL)

	pending, err := f.store.GetByInvoice(ctx, session.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)
	assert.True(t, pending.Amount.Equal(dec("500")))
	assert.True(t, pending.ExpiresAt.After(pending.CreatedAt))

	// Checkout alone moves no money.
	rec, err := f.escrows.GetByAssignment(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateUnpaid, rec.State)
}

func TestCreateCheckout_RequiresUnpaidEscrow(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	_, err := f.service.CreateCheckout(ctx, "missing")
	assert.ErrorIs(t, err, escrow.ErrRecordNotFound)

	session := f.checkout(t, "asg-1", "100")
	_, err = f.service.ProcessWebhook(ctx, session.InvoiceID, "paid")
	require.NoError(t, err)

	_, err = f.service.CreateCheckout(ctx, "asg-1")
	assert.ErrorIs(t, err, escrow.ErrStateConflict)
}

func TestVerify_CompletedConfirmsEscrow(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")
	f.client.setStatus(session.InvoiceID, "paid")

	result, err := f.service.Verify(ctx, session.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, string(escrow.StateHeld), result.EscrowState)
	assert.False(t, result.Replayed)

	w, _ := f.wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")))
}

func TestVerify_PendingDoesNothing(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")

	result, err := f.service.Verify(ctx, session.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)

	rec, _ := f.escrows.GetByAssignment(ctx, "asg-1")
	assert.Equal(t, escrow.StateUnpaid, rec.State)
}

func TestVerify_LazyExpiry(t *testing.T) {
	f := newFixture(time.Nanosecond)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")
	time.Sleep(time.Millisecond)

	result, err := f.service.Verify(ctx, session.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)

	// The provider was never polled and no money moved.
	pending, _ := f.store.GetByInvoice(ctx, session.InvoiceID)
	assert.Equal(t, StatusCancelled, pending.Status)
	w, _ := f.wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.IsZero())
}

func TestProcessWebhook_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")

	first, err := f.service.ProcessWebhook(ctx, session.InvoiceID, "success")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.service.ProcessWebhook(ctx, session.InvoiceID, "success")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, StatusCompleted, second.Status)

	w, _ := f.wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")), "replay must not double-credit")
}

func TestProcessWebhook_ConcurrentReplays(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")

	var wg sync.WaitGroup
	results := make([]*VerifyResult, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.service.ProcessWebhook(ctx, session.InvoiceID, "paid")
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, StatusCompleted, r.Status)
		if !r.Replayed {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	w, _ := f.wallets.Get(ctx, "student-1")
	assert.True(t, w.EscrowBalance.Equal(dec("500")))
}

func TestProcessWebhook_FailedClosesPending(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")

	result, err := f.service.ProcessWebhook(ctx, session.InvoiceID, "declined")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	rec, _ := f.escrows.GetByAssignment(ctx, "asg-1")
	assert.Equal(t, escrow.StateUnpaid, rec.State, "failed payment leaves escrow unpaid")
}

func TestProcessWebhook_UnknownStatusAppliesNothing(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	session := f.checkout(t, "asg-1", "500")

	result, err := f.service.ProcessWebhook(ctx, session.InvoiceID, "weird-new-status")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, result.Status)

	pending, _ := f.store.GetByInvoice(ctx, session.InvoiceID)
	assert.Equal(t, StatusPending, pending.Status)
}
