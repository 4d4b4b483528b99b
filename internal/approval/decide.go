package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

// Approve records a reviewer's approval of a manual payment request.
func (s *Service) Approve(ctx context.Context, actor domain.Actor, requestID, notes string) (*domain.PaymentRequest, error) {
	return s.decideRequest(ctx, actor, requestID, true, notes)
}

// Reject records a reviewer's rejection of a manual payment request.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, requestID, notes string) (*domain.PaymentRequest, error) {
	return s.decideRequest(ctx, actor, requestID, false, notes)
}

func (s *Service) decideRequest(ctx context.Context, actor domain.Actor, requestID string, approved bool, notes string) (*domain.PaymentRequest, error) {
	if err := requireDecider(actor); err != nil {
		return nil, err
	}

	req, err := s.repo.GetPaymentRequest(ctx, actor.TenantID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment request %s: %w", requestID, err)
	}
	if req.Status != domain.RequestPendingReview {
		return nil, domain.Errorf(domain.KindInvalidTransition, "payment request %s is %s, not pending review", req.ID, req.Status)
	}
	if req.SubmittedBy == actor.ID {
		return nil, domain.Errorf(domain.KindForbidden, "submitters cannot decide their own requests")
	}

	ticket, err := s.repo.GetTicket(ctx, actor.TenantID, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket for request %s: %w", req.ID, err)
	}
	if ticket.Status.IsClosed() {
		return nil, domain.Errorf(domain.KindInvalidTransition, "ticket %s was already %s", ticket.ID, ticket.Status)
	}

	req.Status = domain.RequestRejected
	topic := domain.TopicManualRejected
	if approved {
		req.Status = domain.RequestApproved
		topic = domain.TopicManualApproved
	}
	if err := s.swapRequest(ctx, req, domain.RequestPendingReview); err != nil {
		return nil, err
	}
	if err := s.closeTicket(ctx, actor, ticket, approved, notes); err != nil {
		decided := req.Status
		req.Status = domain.RequestPendingReview
		if rerr := s.swapRequest(ctx, req, decided); rerr != nil {
			slog.Error("failed to reopen payment request",
				"request_id", req.ID,
				"ticket_id", ticket.ID,
				"error", rerr,
			)
		}
		return nil, err
	}

	s.record(ctx, actor, req.TenantID, string(domain.SubjectManualPayment), req.ID, "manual_payment."+string(req.Status), notes)
	s.notifyRequest(ctx, topic, req)
	slog.Info("manual payment decided",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"status", req.Status,
		"decided_by", actor.ID,
	)
	return req, nil
}

// DecideTicket closes a ticket whatever its subject. Manual payment tickets
// follow Approve/Reject; transaction tickets resume the held payment and
// close only once it has been resolved.
func (s *Service) DecideTicket(ctx context.Context, actor domain.Actor, ticketID string, approved bool, notes string) (*domain.ApprovalTicket, error) {
	if err := requireDecider(actor); err != nil {
		return nil, err
	}

	ticket, err := s.repo.GetTicket(ctx, actor.TenantID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s: %w", ticketID, err)
	}

	switch ticket.SubjectType {
	case domain.SubjectManualPayment:
		if _, err := s.decideRequest(ctx, actor, ticket.SubjectID, approved, notes); err != nil {
			return nil, err
		}
		return s.repo.GetTicket(ctx, actor.TenantID, ticketID)

	case domain.SubjectTransaction:
		if s.resolver == nil {
			return nil, domain.Errorf(domain.KindInternal, "no payment resolver configured")
		}
		if ticket.Status.IsClosed() {
			return nil, domain.Errorf(domain.KindInvalidTransition, "ticket %s was already %s", ticket.ID, ticket.Status)
		}
		// The ticket closes only after the payment has moved.
		res, err := s.resolver.ResolveReview(ctx, ticket.TenantID, ticket.SubjectID, approved)
		if err != nil {
			slog.Error("failed to resume held payment",
				"ticket_id", ticket.ID,
				"tx_id", ticket.SubjectID,
				"error", err,
			)
			return nil, err
		}
		if err := s.closeTicket(ctx, actor, ticket, approved, notes); err != nil {
			return nil, err
		}
		s.record(ctx, actor, ticket.TenantID, string(domain.SubjectTransaction), ticket.SubjectID, "transaction.review_"+string(ticket.Status), notes)
		slog.Info("held payment resolved", "ticket_id", ticket.ID, "tx_id", ticket.SubjectID, "status", res.Status)
		return ticket, nil
	}
	return nil, domain.Errorf(domain.KindValidation, "unsupported ticket subject %q", ticket.SubjectType)
}

// closeTicket records a decision exactly once.
func (s *Service) closeTicket(ctx context.Context, actor domain.Actor, ticket *domain.ApprovalTicket, approved bool, notes string) error {
	if ticket.Status.IsClosed() {
		return domain.Errorf(domain.KindInvalidTransition, "ticket %s was already %s", ticket.ID, ticket.Status)
	}

	expected := ticket.Status
	decidedAt := s.now().UTC()
	ticket.Status = domain.TicketRejected
	if approved {
		ticket.Status = domain.TicketApproved
	}
	ticket.DecidedBy = actor.ID
	ticket.DecidedAt = &decidedAt
	ticket.DecisionNotes = strings.TrimSpace(notes)

	if err := s.repo.UpdateTicket(ctx, ticket, expected); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return domain.WrapError(domain.KindConflict, err, "ticket was decided concurrently")
		}
		return fmt.Errorf("failed to close ticket %s: %w", ticket.ID, err)
	}
	s.record(ctx, actor, ticket.TenantID, "ticket", ticket.ID, "ticket."+string(ticket.Status), ticket.DecisionNotes)
	return nil
}

// Assign hands a ticket to a reviewer. Reassigning an open ticket is allowed.
func (s *Service) Assign(ctx context.Context, actor domain.Actor, ticketID, reviewer string) (*domain.ApprovalTicket, error) {
	if err := requireDecider(actor); err != nil {
		return nil, err
	}
	if reviewer == "" {
		return nil, domain.Errorf(domain.KindValidation, "reviewer is required")
	}

	ticket, err := s.repo.GetTicket(ctx, actor.TenantID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s: %w", ticketID, err)
	}
	if ticket.Status.IsClosed() {
		return nil, domain.Errorf(domain.KindInvalidTransition, "ticket %s was already %s", ticket.ID, ticket.Status)
	}

	expected := ticket.Status
	ticket.Status = domain.TicketAssigned
	ticket.AssignedTo = reviewer
	if err := s.repo.UpdateTicket(ctx, ticket, expected); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return nil, domain.WrapError(domain.KindConflict, err, "ticket changed concurrently")
		}
		return nil, fmt.Errorf("failed to assign ticket %s: %w", ticket.ID, err)
	}

	s.record(ctx, actor, ticket.TenantID, "ticket", ticket.ID, "ticket.assigned", reviewer)
	return ticket, nil
}

// ListTickets returns the tenant's tickets, optionally filtered by status.
func (s *Service) ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.ApprovalTicket, error) {
	if tenantID == "" {
		return nil, domain.Errorf(domain.KindValidation, "tenant is required")
	}
	switch status {
	case "", domain.TicketPending, domain.TicketAssigned, domain.TicketApproved, domain.TicketRejected:
	default:
		return nil, domain.Errorf(domain.KindValidation, "unknown ticket status %q", status)
	}
	return s.repo.ListTickets(ctx, tenantID, status)
}

// EnqueueTransaction opens the review ticket for a held card payment.
func (s *Service) EnqueueTransaction(ctx context.Context, tx *domain.Transaction, a *domain.RiskAssessment) (*domain.ApprovalTicket, error) {
	return s.openTicket(ctx, tx.TenantID, domain.SubjectTransaction, tx.ID, a)
}

func requireDecider(actor domain.Actor) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !actor.Role.CanDecide() {
		return domain.Errorf(domain.KindForbidden, "role %q cannot decide payment requests", actor.Role)
	}
	return nil
}
