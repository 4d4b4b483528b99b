package approval

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/envelope"
	"github.com/opensource-finance/talon/internal/fx"
	"github.com/opensource-finance/talon/internal/keystore"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/risk"
	"github.com/opensource-finance/talon/internal/velocity"
)

var (
	clerk    = domain.Actor{TenantID: "tenant-001", ID: "clerk-1", Role: domain.RoleStaff}
	reviewer = domain.Actor{TenantID: "tenant-001", ID: "fin-1", Role: domain.RoleFinanceAdmin}
	admin    = domain.Actor{TenantID: "tenant-001", ID: "admin-1", Role: domain.RoleAdmin}
)

type fakeResolver struct {
	mu    sync.Mutex
	calls map[string]bool
	err   error
}

func (f *fakeResolver) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeResolver) ResolveReview(_ context.Context, tenantID, txID string, approved bool) (*domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.calls == nil {
		f.calls = map[string]bool{}
	}
	f.calls[txID] = approved
	status := domain.StatusFailed
	if approved {
		status = domain.StatusCaptured
	}
	return &domain.TransactionResult{TransactionID: txID, TenantID: tenantID, Status: status}, nil
}

type fixture struct {
	svc      *Service
	repo     *repository.SQLRepository
	engine   *risk.Engine
	keys     *keystore.Store
	resolver *fakeResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "approval-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	material, err := envelope.GenerateKey()
	require.NoError(t, err)
	master, err := envelope.NewStaticKey("master", material)
	require.NoError(t, err)
	keys, err := keystore.New(repo, master, keystore.Options{
		Purposes: []domain.KeyPurpose{domain.PurposeManualPayment},
	})
	require.NoError(t, err)
	require.NoError(t, keys.Load(context.Background()))

	lru := cache.NewLRUCache(1000)
	rates, err := fx.New(lru, time.Hour, nil)
	require.NoError(t, err)

	cfg := domain.DefaultConfig().Risk
	geo, err := risk.NewGeoTable(nil)
	require.NoError(t, err)
	engine := risk.NewEngine(risk.DefaultCatalog(),
		risk.NewCollector(velocity.NewService(repo, lru), repo, geo, cfg),
		repo, nil, risk.ThresholdsFrom(cfg))

	resolver := &fakeResolver{}
	svc, err := NewService(Deps{
		Repo:     repo,
		Audit:    repo,
		Risk:     engine,
		Vault:    keys,
		FX:       rates,
		Resolver: resolver,
	})
	require.NoError(t, err)

	return &fixture{svc: svc, repo: repo, engine: engine, keys: keys, resolver: resolver}
}

func manual(reference, amount string, method domain.ManualMethod, account string) *ManualPaymentCommand {
	return &ManualPaymentCommand{
		Reference:     reference,
		Amount:        domain.Money{Amount: decimal.RequireFromString(amount), Currency: "USD"},
		Method:        method,
		PayerName:     "Ada Obi",
		AccountNumber: account,
	}
}

func auditActions(t *testing.T, f *fixture, subjectID string) []string {
	t.Helper()
	entries, err := f.repo.ListAudit(context.Background(), "tenant-001", subjectID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestSubmitAutoApproved(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.Submit(context.Background(), clerk, manual("INV-1001", "120.00", domain.ManualCash, ""))
	require.NoError(t, err)

	assert.Equal(t, domain.RequestAutoApproved, sub.Request.Status)
	assert.Equal(t, sub.Assessment.ID, sub.Request.AssessmentID)
	assert.Nil(t, sub.Ticket)
	assert.False(t, sub.Duplicate)
	assert.ElementsMatch(t, []string{"manual_payment.submitted", "manual_payment.auto_approved"}, auditActions(t, f, sub.Request.ID))
}

func TestSequentialAndBlacklistedAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, clerk, manual("INV-7", "250.00", domain.ManualBankTransfer, "1111111111"))
	require.NoError(t, err)
	assert.True(t, sub.Assessment.Has("sequential_account_number"))
	assert.Equal(t, "1111", sub.Request.AccountLast4)

	stored, err := f.repo.GetPaymentRequest(ctx, "tenant-001", sub.Request.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AccountNumber)
	assert.NotContains(t, stored.AccountNumber.Ciphertext, "1111111111")
	plain, err := f.keys.Open(ctx, stored.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "1111111111", string(plain))

	require.NoError(t, f.engine.AddBlacklist(ctx, &domain.BlacklistEntry{
		TenantID: "tenant-001", Kind: domain.BlacklistAccount, Value: "1111111111", Reason: "mule account",
	}))

	sub, err = f.svc.Submit(ctx, clerk, manual("INV-8", "250.00", domain.ManualBankTransfer, "1111-1111-11"))
	require.NoError(t, err)
	assert.Equal(t, risk.MaxScore, sub.Assessment.Score)
	assert.Equal(t, domain.RequestAutoRejected, sub.Request.Status)
	assert.Nil(t, sub.Ticket)
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, clerk, manual("WIRE-2024-88", "6000.00", domain.ManualBankTransfer, "40958127"))
	require.NoError(t, err)
	require.Equal(t, domain.RequestPendingReview, sub.Request.Status)
	require.NotNil(t, sub.Ticket)
	assert.True(t, sub.Assessment.Has("high_value_manual_payment"))
	assert.Equal(t, sub.Ticket.ID, sub.Request.TicketID)
	assert.Equal(t, domain.PriorityFor(sub.Assessment.Level), sub.Ticket.Priority)
	requestID := sub.Request.ID

	t.Run("ResubmissionIsDeduplicated", func(t *testing.T) {
		again, err := f.svc.Submit(ctx, clerk, manual("WIRE-2024-88", "6000.00", domain.ManualBankTransfer, "40958127"))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, requestID, again.Request.ID)
		assert.Equal(t, sub.Ticket.ID, again.Ticket.ID)

		tickets, err := f.svc.ListTickets(ctx, "tenant-001", domain.TicketPending)
		require.NoError(t, err)
		assert.Len(t, tickets, 1)
	})

	t.Run("StaffCannotDecide", func(t *testing.T) {
		_, err := f.svc.Approve(ctx, clerk, requestID, "")
		assert.True(t, domain.IsKind(err, domain.KindForbidden))
	})

	t.Run("SubmitterCannotDecide", func(t *testing.T) {
		self := domain.Actor{TenantID: "tenant-001", ID: clerk.ID, Role: domain.RoleFinanceAdmin}
		_, err := f.svc.Approve(ctx, self, requestID, "")
		assert.True(t, domain.IsKind(err, domain.KindForbidden))
	})

	t.Run("Assign", func(t *testing.T) {
		ticket, err := f.svc.Assign(ctx, admin, sub.Ticket.ID, reviewer.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketAssigned, ticket.Status)
		assert.Equal(t, reviewer.ID, ticket.AssignedTo)
	})

	t.Run("Approve", func(t *testing.T) {
		req, err := f.svc.Approve(ctx, reviewer, requestID, "  verified with bank  ")
		require.NoError(t, err)
		assert.Equal(t, domain.RequestApproved, req.Status)

		ticket, err := f.repo.GetTicket(ctx, "tenant-001", sub.Ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketApproved, ticket.Status)
		assert.Equal(t, reviewer.ID, ticket.DecidedBy)
		assert.Equal(t, "verified with bank", ticket.DecisionNotes)
		require.NotNil(t, ticket.DecidedAt)
	})

	t.Run("DecidedOnce", func(t *testing.T) {
		_, err := f.svc.Reject(ctx, admin, requestID, "changed my mind")
		assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))

		_, err = f.svc.Assign(ctx, admin, sub.Ticket.ID, "someone")
		assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
	})

	assert.Contains(t, auditActions(t, f, requestID), "manual_payment.approved")
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, clerk, manual("WIRE-RACE-1", "7000.00", domain.ManualCheque, ""))
	require.NoError(t, err)
	require.Equal(t, domain.RequestPendingReview, sub.Request.Status)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, actor := range []domain.Actor{reviewer, admin, reviewer, admin} {
		wg.Add(1)
		go func(actor domain.Actor, approve bool) {
			defer wg.Done()
			var err error
			if approve {
				_, err = f.svc.Approve(ctx, actor, sub.Request.ID, "")
			} else {
				_, err = f.svc.Reject(ctx, actor, sub.Request.ID, "")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(actor, actor.Role == domain.RoleAdmin)
	}
	wg.Wait()

	assert.LessOrEqual(t, wins, 1)
	if wins == 1 {
		ticket, err := f.repo.GetTicket(ctx, "tenant-001", sub.Ticket.ID)
		require.NoError(t, err)
		assert.True(t, ticket.Status.IsClosed())
	}
}

func TestTransactionTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &domain.Transaction{ID: "tx-held", TenantID: "tenant-001"}
	a := &domain.RiskAssessment{ID: "ra-1", Score: 35, Level: domain.RiskMedium}

	ticket, err := f.svc.EnqueueTransaction(ctx, tx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.SubjectTransaction, ticket.SubjectType)
	assert.Equal(t, domain.PriorityNormal, ticket.Priority)

	again, err := f.svc.EnqueueTransaction(ctx, tx, a)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, again.ID)

	decided, err := f.svc.DecideTicket(ctx, reviewer, ticket.ID, true, "known customer")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, decided.Status)
	assert.True(t, f.resolver.calls["tx-held"])

	_, err = f.svc.DecideTicket(ctx, reviewer, ticket.ID, false, "")
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestFailedResolutionLeavesTicketOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &domain.Transaction{ID: "tx-retry", TenantID: "tenant-001"}
	ticket, err := f.svc.EnqueueTransaction(ctx, tx, &domain.RiskAssessment{ID: "ra-2", Score: 55, Level: domain.RiskHigh})
	require.NoError(t, err)

	f.resolver.failWith(errors.New("database is locked"))
	_, err = f.svc.DecideTicket(ctx, reviewer, ticket.ID, true, "")
	require.Error(t, err)

	stored, err := f.repo.GetTicket(ctx, "tenant-001", ticket.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsClosed())
	assert.Empty(t, stored.DecidedBy)

	f.resolver.failWith(nil)
	decided, err := f.svc.DecideTicket(ctx, reviewer, ticket.ID, true, "second attempt")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, decided.Status)
	assert.True(t, f.resolver.calls["tx-retry"])
	assert.Contains(t, auditActions(t, f, "tx-retry"), "transaction.review_approved")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]*ManualPaymentCommand{
		"MissingReference":  manual("", "10.00", domain.ManualCash, ""),
		"UnknownMethod":     manual("REF-1", "10.00", "crypto", ""),
		"TransferNoAccount": manual("REF-2", "10.00", domain.ManualBankTransfer, ""),
		"NonNumericAccount": manual("REF-3", "10.00", domain.ManualBankTransfer, "12ab34"),
		"NonPositiveAmount": manual("REF-4", "0", domain.ManualCash, ""),
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, clerk, cmd)
			assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
		})
	}

	_, err := f.svc.Submit(ctx, domain.Actor{TenantID: "tenant-001"}, manual("REF-5", "10.00", domain.ManualCash, ""))
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
