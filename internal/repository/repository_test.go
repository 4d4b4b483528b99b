package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func usd(amount string) domain.Money {
	return domain.Money{Amount: decimal.RequireFromString(amount), Currency: "USD"}
}

func newPayment(id, tenantID, key string) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:             id,
		TenantID:       tenantID,
		Kind:           domain.KindPayment,
		CustomerID:     "cust-001",
		IdempotencyKey: key,
		Amount:         usd("100.50"),
		Requested:      usd("100.50"),
		FXRate:         decimal.NewFromInt(1),
		Method: domain.PaymentMethod{
			Type:      "card",
			Brand:     "visa",
			Last4:     "1111",
			Sensitive: &domain.EncryptedField{Ciphertext: "Y3Q=", KeyID: "k1", Version: 1},
		},
		Status:    domain.StatusReceived,
		Metadata:  map[string]string{"source": "api"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetTransaction", func(t *testing.T) {
		tx := newPayment("tx-001", tenantID, "idem-001")
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !got.Amount.Equal(tx.Amount) {
			t.Errorf("expected amount %s, got %s", tx.Amount, got.Amount)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
		if got.Method.Sensitive == nil || got.Method.Sensitive.KeyID != "k1" {
			t.Errorf("expected sensitive field to round trip, got %+v", got.Method.Sensitive)
		}
		if got.Metadata["source"] != "api" {
			t.Errorf("expected metadata source=api, got %v", got.Metadata)
		}
	})

	t.Run("DuplicateIdempotencyKey", func(t *testing.T) {
		err := repo.CreateTransaction(ctx, newPayment("tx-dup", tenantID, "idem-001"))
		if !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		// Same key under another tenant is independent.
		if err := repo.CreateTransaction(ctx, newPayment("tx-other", "tenant-002", "idem-001")); err != nil {
			t.Errorf("expected other tenant to accept key, got %v", err)
		}

		got, err := repo.GetTransactionByIdempotencyKey(ctx, tenantID, "idem-001")
		if err != nil {
			t.Fatalf("GetTransactionByIdempotencyKey failed: %v", err)
		}
		if got.ID != "tx-001" {
			t.Errorf("expected tx-001, got %s", got.ID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.CreateTransaction(ctx, &domain.Transaction{ID: "tx-test"}); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.GetTransaction(ctx, "", "tx-001"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("UpdateTransactionCompareAndSwap", func(t *testing.T) {
		first, err := repo.GetTransaction(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatal(err)
		}
		second, err := repo.GetTransaction(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatal(err)
		}

		first.Status = domain.StatusRiskAssessed
		first.ProviderID = "sandbox"
		first.ProviderRef = "sandbox_ch_000001"
		if err := repo.UpdateTransaction(ctx, first); err != nil {
			t.Fatalf("UpdateTransaction failed: %v", err)
		}
		if first.Version != 2 {
			t.Errorf("expected version 2 after update, got %d", first.Version)
		}

		second.Status = domain.StatusFailed
		if err := repo.UpdateTransaction(ctx, second); !errors.Is(err, domain.ErrStaleVersion) {
			t.Errorf("expected ErrStaleVersion, got %v", err)
		}

		got, _ := repo.GetTransaction(ctx, tenantID, "tx-001")
		if got.Status != domain.StatusRiskAssessed {
			t.Errorf("expected risk_assessed, got %s", got.Status)
		}

		missing := newPayment("tx-missing", tenantID, "idem-missing")
		if err := repo.UpdateTransaction(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetTransactionByProviderRef", func(t *testing.T) {
		got, err := repo.GetTransactionByProviderRef(ctx, "sandbox", "sandbox_ch_000001")
		if err != nil {
			t.Fatalf("GetTransactionByProviderRef failed: %v", err)
		}
		if got.ID != "tx-001" {
			t.Errorf("expected tx-001, got %s", got.ID)
		}
	})

	t.Run("ListRefunds", func(t *testing.T) {
		for i, id := range []string{"rf-001", "rf-002"} {
			rf := newPayment(id, tenantID, "refund-"+id)
			rf.Kind = domain.KindRefund
			rf.ParentID = "tx-001"
			rf.Amount = usd("10")
			rf.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
			if err := repo.CreateTransaction(ctx, rf); err != nil {
				t.Fatal(err)
			}
		}

		refunds, err := repo.ListRefunds(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("ListRefunds failed: %v", err)
		}
		if len(refunds) != 2 || refunds[0].ID != "rf-001" {
			t.Errorf("expected rf-001 then rf-002, got %d refunds", len(refunds))
		}
	})

	t.Run("CountCustomerTransactions", func(t *testing.T) {
		count, err := repo.CountCustomerTransactions(ctx, tenantID, "cust-001", time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountCustomerTransactions failed: %v", err)
		}
		// Refunds are not counted.
		if count != 1 {
			t.Errorf("expected 1 payment, got %d", count)
		}

		count, _ = repo.CountCustomerTransactions(ctx, tenantID, "cust-001", time.Now().Add(time.Hour))
		if count != 0 {
			t.Errorf("expected 0 in future window, got %d", count)
		}
	})
}

func TestConcurrentUpdateOnlyOneWins(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateTransaction(ctx, newPayment("tx-race", "tenant-001", "idem-race")); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := repo.GetTransaction(ctx, "tenant-001", "tx-race")
			if err != nil {
				return
			}
			if tx.Version != 1 {
				return
			}
			tx.Status = domain.StatusRiskAssessed
			if err := repo.UpdateTransaction(ctx, tx); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins > 1 {
		t.Errorf("expected at most one winner, got %d", wins)
	}
	got, _ := repo.GetTransaction(ctx, "tenant-001", "tx-race")
	if got.Version != int64(1+wins) {
		t.Errorf("expected version %d, got %d", 1+wins, got.Version)
	}
}

func TestRiskRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SaveAndGetAssessment", func(t *testing.T) {
		a := &domain.RiskAssessment{
			ID:          "ra-001",
			TenantID:    tenantID,
			SubjectType: domain.SubjectTransaction,
			SubjectID:   "tx-001",
			Contributions: []domain.Contribution{
				{Detector: "high_value_transaction", Category: domain.CategoryPaymentFraud, Severity: domain.SeverityHigh, RawScore: 1, Weight: 20, Contribution: 30},
			},
			Score:          30,
			Level:          domain.RiskMedium,
			Recommendation: domain.RecommendApprove,
			CreatedAt:      time.Now().UTC(),
		}
		if err := repo.SaveRiskAssessment(ctx, a); err != nil {
			t.Fatalf("SaveRiskAssessment failed: %v", err)
		}

		got, err := repo.GetRiskAssessment(ctx, tenantID, "ra-001")
		if err != nil {
			t.Fatalf("GetRiskAssessment failed: %v", err)
		}
		if got.Score != 30 || got.Level != domain.RiskMedium || !got.Has("high_value_transaction") {
			t.Errorf("unexpected assessment: %+v", got)
		}

		if _, err := repo.GetRiskAssessment(ctx, "tenant-002", "ra-001"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("Blacklist", func(t *testing.T) {
		entry := &domain.BlacklistEntry{TenantID: tenantID, Kind: domain.BlacklistCustomer, Value: "cust-bad", Reason: "chargebacks"}
		if err := repo.SaveBlacklistEntry(ctx, entry); err != nil {
			t.Fatalf("SaveBlacklistEntry failed: %v", err)
		}
		// Upsert is idempotent.
		if err := repo.SaveBlacklistEntry(ctx, entry); err != nil {
			t.Fatalf("second SaveBlacklistEntry failed: %v", err)
		}

		listed, err := repo.IsBlacklisted(ctx, tenantID, domain.BlacklistCustomer, "cust-bad")
		if err != nil || !listed {
			t.Errorf("expected cust-bad listed, got %v %v", listed, err)
		}
		listed, _ = repo.IsBlacklisted(ctx, tenantID, domain.BlacklistAccount, "cust-bad")
		if listed {
			t.Error("expected kind to scope the match")
		}
		listed, _ = repo.IsBlacklisted(ctx, "tenant-002", domain.BlacklistCustomer, "cust-bad")
		if listed {
			t.Error("expected tenant to scope the match")
		}
	})

	t.Run("LoginEvents", func(t *testing.T) {
		base := time.Now().UTC().Add(-30 * time.Minute)
		events := []*domain.LoginEvent{
			{ID: "l1", TenantID: tenantID, UserID: "u1", Country: "US", Success: true, CreatedAt: base},
			{ID: "l2", TenantID: tenantID, UserID: "u1", Country: "DE", Success: true, CreatedAt: base.Add(time.Minute)},
			{ID: "l3", TenantID: tenantID, UserID: "u1", Success: false, CreatedAt: base.Add(2 * time.Minute)},
			{ID: "l4", TenantID: tenantID, UserID: "u1", Success: false, CreatedAt: base.Add(3 * time.Minute)},
		}
		for _, e := range events {
			if err := repo.SaveLoginEvent(ctx, e); err != nil {
				t.Fatal(err)
			}
		}

		last, err := repo.LastSuccessfulLogin(ctx, tenantID, "u1")
		if err != nil {
			t.Fatalf("LastSuccessfulLogin failed: %v", err)
		}
		if last.ID != "l2" {
			t.Errorf("expected l2, got %s", last.ID)
		}

		failed, err := repo.CountFailedLogins(ctx, tenantID, "u1", base)
		if err != nil || failed != 2 {
			t.Errorf("expected 2 failures, got %d %v", failed, err)
		}

		if _, err := repo.LastSuccessfulLogin(ctx, tenantID, "nobody"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rules := []struct {
			tenant string
			rule   *domain.RuleConfig
		}{
			{tenantID, &domain.RuleConfig{ID: "r1", Name: "tenant-rule", Expression: "amount > 1.0", Category: domain.CategoryPaymentFraud, Severity: domain.SeverityMedium, Weight: 10, Enabled: true}},
			{domain.GlobalTenantID, &domain.RuleConfig{ID: "r2", Name: "global-rule", Expression: "true", Category: domain.CategoryPaymentFraud, Severity: domain.SeverityLow, Weight: 5, Enabled: true}},
			{tenantID, &domain.RuleConfig{ID: "r3", Name: "disabled-rule", Expression: "true", Category: domain.CategoryPaymentFraud, Severity: domain.SeverityLow, Weight: 5, Enabled: false}},
			{"tenant-002", &domain.RuleConfig{ID: "r4", Name: "other-tenant", Expression: "true", Category: domain.CategoryPaymentFraud, Severity: domain.SeverityLow, Weight: 5, Enabled: true}},
		}
		for _, r := range rules {
			if err := repo.SaveRuleConfig(ctx, r.tenant, r.rule); err != nil {
				t.Fatalf("SaveRuleConfig failed: %v", err)
			}
		}

		got, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 rules (tenant + global), got %d", len(got))
		}

		// Upsert replaces the expression.
		rules[0].rule.Expression = "amount > 2.0"
		if err := repo.SaveRuleConfig(ctx, tenantID, rules[0].rule); err != nil {
			t.Fatal(err)
		}
		got, _ = repo.ListRuleConfigs(ctx, tenantID)
		for _, r := range got {
			if r.ID == "r1" && r.Expression != "amount > 2.0" {
				t.Errorf("expected updated expression, got %s", r.Expression)
			}
		}
	})
}

func TestKeyRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour)
	key := &domain.EncryptionKey{
		ID:        "dek-001",
		Purpose:   domain.PurposePaymentMethod,
		Size:      32,
		Status:    domain.KeyActive,
		Wrapped:   domain.EncryptedField{Ciphertext: "d3JhcHBlZA==", KeyID: "master", Version: 1},
		CreatedAt: created,
	}
	if err := repo.SaveKey(ctx, key); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	rotated := time.Now().UTC()
	key.Status = domain.KeyRotated
	key.RotatedAt = &rotated
	if err := repo.SaveKey(ctx, key); err != nil {
		t.Fatalf("SaveKey upsert failed: %v", err)
	}

	keys, err := repo.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	got := keys[0]
	if got.Status != domain.KeyRotated || got.RotatedAt == nil || got.ExpiresAt != nil {
		t.Errorf("unexpected key state: %+v", got)
	}
	if got.Wrapped.KeyID != "master" {
		t.Errorf("expected wrapped field to round trip, got %+v", got.Wrapped)
	}
}

func TestApprovalRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	req := &domain.PaymentRequest{
		ID:            "pr-001",
		TenantID:      tenantID,
		SubmittedBy:   "staff-1",
		Reference:     "INV-1001",
		Amount:        usd("4200.00"),
		Method:        domain.ManualBankTransfer,
		AccountNumber: &domain.EncryptedField{Ciphertext: "YWNjdA==", KeyID: "k2", Version: 1},
		AccountLast4:  "6789",
		Status:        domain.RequestSubmitted,
	}

	t.Run("CreateAndGetPaymentRequest", func(t *testing.T) {
		if err := repo.CreatePaymentRequest(ctx, req); err != nil {
			t.Fatalf("CreatePaymentRequest failed: %v", err)
		}

		got, err := repo.GetPaymentRequestByReference(ctx, tenantID, "INV-1001")
		if err != nil {
			t.Fatalf("GetPaymentRequestByReference failed: %v", err)
		}
		if got.ID != "pr-001" || !got.Amount.Equal(req.Amount) || got.AccountNumber == nil {
			t.Errorf("unexpected request: %+v", got)
		}

		dup := *req
		dup.ID = "pr-002"
		if err := repo.CreatePaymentRequest(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("UpdatePaymentRequestExpectsStatus", func(t *testing.T) {
		req.Status = domain.RequestAssessed
		req.AssessmentID = "ra-1"
		if err := repo.UpdatePaymentRequest(ctx, req, domain.RequestSubmitted); err != nil {
			t.Fatalf("UpdatePaymentRequest failed: %v", err)
		}

		req.Status = domain.RequestApproved
		if err := repo.UpdatePaymentRequest(ctx, req, domain.RequestSubmitted); !errors.Is(err, domain.ErrStaleVersion) {
			t.Errorf("expected ErrStaleVersion, got %v", err)
		}

		got, _ := repo.GetPaymentRequest(ctx, tenantID, "pr-001")
		if got.Status != domain.RequestAssessed || got.AssessmentID != "ra-1" {
			t.Errorf("unexpected request: %+v", got)
		}
	})

	ticket := &domain.ApprovalTicket{
		ID:          "tk-001",
		TenantID:    tenantID,
		SubjectType: domain.SubjectManualPayment,
		SubjectID:   "pr-001",
		Priority:    domain.PriorityNormal,
		Status:      domain.TicketPending,
	}

	t.Run("TicketPerSubject", func(t *testing.T) {
		if err := repo.CreateTicket(ctx, ticket); err != nil {
			t.Fatalf("CreateTicket failed: %v", err)
		}

		second := *ticket
		second.ID = "tk-002"
		if err := repo.CreateTicket(ctx, &second); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		got, err := repo.GetTicketBySubject(ctx, tenantID, domain.SubjectManualPayment, "pr-001")
		if err != nil || got.ID != "tk-001" {
			t.Errorf("expected tk-001, got %v %v", got, err)
		}
	})

	t.Run("TicketDecidedOnce", func(t *testing.T) {
		now := time.Now().UTC()
		approve := *ticket
		approve.Status = domain.TicketApproved
		approve.DecidedBy = "admin-1"
		approve.DecidedAt = &now

		reject := *ticket
		reject.Status = domain.TicketRejected
		reject.DecidedBy = "admin-2"
		reject.DecidedAt = &now

		if err := repo.UpdateTicket(ctx, &approve, domain.TicketPending); err != nil {
			t.Fatalf("UpdateTicket failed: %v", err)
		}
		if err := repo.UpdateTicket(ctx, &reject, domain.TicketPending); !errors.Is(err, domain.ErrStaleVersion) {
			t.Errorf("expected second decision to lose, got %v", err)
		}

		got, _ := repo.GetTicket(ctx, tenantID, "tk-001")
		if got.Status != domain.TicketApproved || got.DecidedBy != "admin-1" || got.DecidedAt == nil {
			t.Errorf("unexpected ticket: %+v", got)
		}
	})

	t.Run("ListTickets", func(t *testing.T) {
		other := &domain.ApprovalTicket{
			ID: "tk-003", TenantID: tenantID, SubjectType: domain.SubjectTransaction, SubjectID: "tx-9",
			Priority: domain.PriorityHigh, Status: domain.TicketPending,
		}
		if err := repo.CreateTicket(ctx, other); err != nil {
			t.Fatal(err)
		}

		all, err := repo.ListTickets(ctx, tenantID, "")
		if err != nil || len(all) != 2 {
			t.Errorf("expected 2 tickets, got %d %v", len(all), err)
		}
		pending, _ := repo.ListTickets(ctx, tenantID, domain.TicketPending)
		if len(pending) != 1 || pending[0].ID != "tk-003" {
			t.Errorf("expected only tk-003 pending, got %d", len(pending))
		}
	})
}

func TestAuditRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, action := range []string{"submitted", "approved"} {
		e := &domain.AuditEntry{
			ID: "au-" + action, TenantID: "tenant-001", SubjectType: "manual_payment", SubjectID: "pr-001",
			ActorID: "admin-1", ActorRole: domain.RoleAdmin, Action: action,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	entries, err := repo.ListAudit(ctx, "tenant-001", "pr-001")
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "submitted" || entries[1].ActorRole != domain.RoleAdmin {
		t.Errorf("unexpected trail: %+v", entries)
	}

	entries, _ = repo.ListAudit(ctx, "tenant-002", "pr-001")
	if len(entries) != 0 {
		t.Errorf("expected no entries for other tenant, got %d", len(entries))
	}
}

func TestWebhookRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_1","type":"payment.captured"}`)
	evt := &domain.WebhookEvent{
		ID:              "wh-001",
		ProviderID:      "sandbox",
		ProviderEventID: "evt_1",
		EventType:       domain.EventPaymentCaptured,
		SignatureValid:  true,
		Status:          domain.WebhookReceived,
		PayloadDigest:   "digest",
		Payload:         payload,
	}

	if err := repo.CreateWebhookEvent(ctx, evt); err != nil {
		t.Fatalf("CreateWebhookEvent failed: %v", err)
	}

	dup := *evt
	dup.ID = "wh-002"
	if err := repo.CreateWebhookEvent(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on redelivery, got %v", err)
	}

	now := time.Now().UTC()
	evt.Status = domain.WebhookFailed
	evt.Error = "transaction not found"
	evt.Attempts = 1
	evt.ProcessedAt = &now
	if err := repo.UpdateWebhookEvent(ctx, evt); err != nil {
		t.Fatalf("UpdateWebhookEvent failed: %v", err)
	}

	got, err := repo.GetWebhookEvent(ctx, "wh-001")
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("expected payload to round trip, got %q", got.Payload)
	}
	if got.Status != domain.WebhookFailed || got.Attempts != 1 || got.ProcessedAt == nil {
		t.Errorf("unexpected event: %+v", got)
	}

	failed, err := repo.ListWebhookEvents(ctx, domain.WebhookFailed, 10)
	if err != nil || len(failed) != 1 {
		t.Errorf("expected 1 failed event, got %d %v", len(failed), err)
	}

	missing := &domain.WebhookEvent{ID: "wh-missing"}
	if err := repo.UpdateWebhookEvent(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite should not rebind: %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{
		PostgresUser:     "talon",
		PostgresPassword: "p@ss word'",
		PostgresDB:       "settlement",
	})

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("dsn does not parse: %v", err)
	}
	if u.Host != "localhost:5432" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/settlement" {
		t.Errorf("path = %q", u.Path)
	}
	if pw, _ := u.User.Password(); pw != "p@ss word'" {
		t.Errorf("password = %q", pw)
	}
	if got := u.Query().Get("sslmode"); got != "disable" {
		t.Errorf("sslmode = %q", got)
	}
	if _, err := pq.NewConnector(dsn); err != nil {
		t.Errorf("connector rejected dsn: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/var/lib/talon/talon.db")
	path, query, ok := strings.Cut(dsn, "?")
	if !ok || path != "file:/var/lib/talon/talon.db" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("query does not parse: %v", err)
	}
	if got := q["_pragma"]; len(got) != len(sqlitePragmas) || got[0] != "journal_mode(WAL)" {
		t.Errorf("pragmas = %v", got)
	}

	_, query, _ = strings.Cut(sqliteDSN(memoryPath), "?")
	q, _ = url.ParseQuery(query)
	for _, p := range q["_pragma"] {
		if strings.HasPrefix(p, "journal_mode") {
			t.Errorf("in-memory dsn should not set %s", p)
		}
	}
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: memoryPath})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.CreateTransaction(ctx, newPayment("tx-mem", "tenant-001", "idem-mem")); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := repo.GetTransaction(ctx, "tenant-001", "tx-mem"); err != nil {
		t.Errorf("GetTransaction failed: %v", err)
	}
}
