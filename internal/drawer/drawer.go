package drawer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"greenledger/engine/internal/approval"
	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/store"
	"greenledger/engine/internal/xid"
)

// Variance tier boundaries, absolute cents. A count-off of less than one cent
// cannot occur with integer denominations, so "balanced" means exactly zero.
const (
	acceptableLimitCents = 100
	minorLimitCents      = 1000
	moderateLimitCents   = 10000
)

type OpenSessionRequest struct {
	CashierID            int64
	OpeningFloatCents    int64
	OpeningDenominations []domain.DenominationCount
}

type ReconcileRequest struct {
	SessionID string

	// ActualCashCents is used when ClosingDenominations is empty; otherwise
	// the counted denominations are authoritative.
	ActualCashCents      int64
	ClosingDenominations []domain.DenominationCount

	VarianceReason string
	ApprovalToken  string
}

// Engine runs cash drawer sessions: float in at open, counted cash against
// expected cash at close. Variances over the approval threshold block the
// close until a manager signs off.
type Engine struct {
	repo                   store.Repository
	approver               *approval.Approver
	approvalThresholdCents int64
	now                    func() time.Time
}

func New(repo store.Repository, approver *approval.Approver, approvalThresholdCents int64) *Engine {
	if approvalThresholdCents < 1 {
		approvalThresholdCents = 5000
	}
	return &Engine{
		repo:                   repo,
		approver:               approver,
		approvalThresholdCents: approvalThresholdCents,
		now:                    func() time.Time { return time.Now().UTC() },
	}
}

// OpenSession starts a drawer session with the counted opening float.
func (e *Engine) OpenSession(ctx context.Context, req OpenSessionRequest) (*domain.CashDrawerSession, error) {
	if req.CashierID < 1 {
		return nil, fmt.Errorf("cashier id required: %w", store.ErrInvalidInput)
	}
	if req.OpeningFloatCents < 0 {
		return nil, fmt.Errorf("opening float must not be negative: %w", store.ErrInvalidInput)
	}
	if len(req.OpeningDenominations) > 0 {
		counted, err := sumDenominations(req.OpeningDenominations)
		if err != nil {
			return nil, err
		}
		if counted != req.OpeningFloatCents {
			return nil, fmt.Errorf("opening denominations sum to %d, declared float is %d: %w",
				counted, req.OpeningFloatCents, store.ErrInvalidInput)
		}
	}

	session := domain.CashDrawerSession{
		ID:                   xid.New("drawer"),
		CashierID:            req.CashierID,
		Status:               domain.SessionStatusOpen,
		OpeningFloatCents:    req.OpeningFloatCents,
		OpeningDenominations: req.OpeningDenominations,
		OpenedAt:             e.now(),
	}

	created, err := e.repo.CreateDrawerSession(ctx, session)
	if err != nil {
		return nil, err
	}

	e.logAudit(ctx, "drawer_open", created.ID,
		fmt.Sprintf("cashier=%d,float=%d", created.CashierID, created.OpeningFloatCents))
	return created, nil
}

// Reconcile closes a session against the counted cash. Expected cash is the
// opening float plus cash sales minus cash paid out over the session window.
// A blocked close (approval required, missing note) comes back as a structured
// result with Success=false and nothing persisted; errors are reserved for
// lookup and storage failures.
func (e *Engine) Reconcile(ctx context.Context, req ReconcileRequest) (*domain.ReconcileResult, error) {
	session, err := e.repo.GetDrawerSession(ctx, strings.TrimSpace(req.SessionID))
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("session %s is already closed: %w", session.ID, store.ErrNotPermitted)
	}

	actual := req.ActualCashCents
	if len(req.ClosingDenominations) > 0 {
		if actual, err = sumDenominations(req.ClosingDenominations); err != nil {
			return nil, err
		}
	}
	if actual < 0 {
		return nil, fmt.Errorf("counted cash must not be negative: %w", store.ErrInvalidInput)
	}

	now := e.now()
	sales, paidOut, err := e.repo.CashMovementForShift(ctx, session.CashierID, session.OpenedAt, now)
	if err != nil {
		return nil, err
	}

	expected := session.OpeningFloatCents + sales - paidOut
	variance := actual - expected
	tier := classifyVariance(variance)
	reason := strings.TrimSpace(req.VarianceReason)

	result := &domain.ReconcileResult{}

	if (tier == domain.TierModerate || tier == domain.TierSevere) && reason == "" {
		result.Messages = append(result.Messages,
			fmt.Sprintf("variance of %d cents is %s and requires an explanatory note", variance, tier))
	}

	var approvedBy int64
	if absVariance(variance) > e.approvalThresholdCents {
		if e.approver == nil || req.ApprovalToken == "" {
			result.Messages = append(result.Messages,
				fmt.Sprintf("variance of %d cents exceeds the %d-cent threshold, manager approval required",
					variance, e.approvalThresholdCents))
		} else {
			managerID, err := e.approver.Verify(req.ApprovalToken, approval.ScopeDrawerVariance)
			if err != nil {
				result.Messages = append(result.Messages, fmt.Sprintf("manager approval rejected: %v", err))
			} else {
				approvedBy = managerID
			}
		}
	}

	if len(result.Messages) > 0 {
		return result, nil
	}

	if approvedBy > 0 {
		tier = domain.TierApproved
	}

	closedAt := now
	session.Status = domain.SessionStatusClosed
	session.CashSalesCents = sales
	session.CashPaidOutCents = paidOut
	session.ActualCashCents = actual
	session.ClosingDenominations = req.ClosingDenominations
	session.VarianceCents = variance
	session.VarianceTier = tier
	session.VarianceReason = reason
	session.ApprovedByManagerID = approvedBy
	session.ClosedAt = &closedAt

	closed, err := e.repo.CloseDrawerSession(ctx, *session)
	if err != nil {
		return nil, err
	}

	e.logAudit(ctx, "drawer_reconcile", closed.ID,
		fmt.Sprintf("cashier=%d,expected=%d,actual=%d,variance=%d,tier=%s",
			closed.CashierID, expected, actual, variance, tier))
	if classifyVariance(variance) == domain.TierSevere {
		e.logAudit(ctx, "drawer_variance_incident", closed.ID,
			fmt.Sprintf("cashier=%d,variance=%d,reason=%s,approved_by=%d",
				closed.CashierID, variance, reason, approvedBy))
	}

	result.Success = true
	result.Session = closed
	return result, nil
}

// VarianceSummary aggregates a cashier's closed sessions over a period into
// accuracy figures for shift reviews.
func (e *Engine) VarianceSummary(ctx context.Context, cashierID int64, from time.Time, to time.Time) (*domain.CashierVarianceSummary, error) {
	if cashierID < 1 {
		return nil, fmt.Errorf("cashier id required: %w", store.ErrInvalidInput)
	}
	sessions, err := e.repo.ListDrawerSessions(ctx, cashierID, from, to)
	if err != nil {
		return nil, err
	}

	summary := &domain.CashierVarianceSummary{
		CashierID: cashierID,
		From:      from,
		To:        to,
	}
	for _, session := range sessions {
		if session.Status != domain.SessionStatusClosed {
			continue
		}
		summary.Total++
		summary.TotalVarianceCents += absVariance(session.VarianceCents)
		if absVariance(session.VarianceCents) > summary.LargestVarianceCents {
			summary.LargestVarianceCents = absVariance(session.VarianceCents)
		}

		switch session.VarianceTier {
		case domain.TierBalanced:
			summary.Balanced++
		case domain.TierAcceptable, domain.TierMinor:
			summary.WithinTolerance++
		case domain.TierModerate, domain.TierSevere, domain.TierApproved:
			summary.RequiresReview++
		}
	}

	if summary.Total > 0 {
		summary.AverageVarianceCents = float64(summary.TotalVarianceCents) / float64(summary.Total)
		summary.AccuracyRate = float64(summary.Balanced) / float64(summary.Total) * 100
	}
	return summary, nil
}

func classifyVariance(varianceCents int64) string {
	switch abs := absVariance(varianceCents); {
	case abs == 0:
		return domain.TierBalanced
	case abs <= acceptableLimitCents:
		return domain.TierAcceptable
	case abs <= minorLimitCents:
		return domain.TierMinor
	case abs <= moderateLimitCents:
		return domain.TierModerate
	default:
		return domain.TierSevere
	}
}

func sumDenominations(counts []domain.DenominationCount) (int64, error) {
	var total int64
	for _, dc := range counts {
		if dc.DenominationCents < 1 {
			return 0, fmt.Errorf("denomination %d must be positive: %w", dc.DenominationCents, store.ErrInvalidInput)
		}
		if dc.Count < 0 {
			return 0, fmt.Errorf("denomination %d count must not be negative: %w", dc.DenominationCents, store.ErrInvalidInput)
		}
		total += dc.DenominationCents * int64(dc.Count)
	}
	return total, nil
}

func absVariance(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Engine) logAudit(ctx context.Context, action string, sessionID string, detail string) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if err := e.repo.CreateAuditEntry(ctx, domain.AuditEntry{
		ID:         xid.New("audit"),
		ActorName:  actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: "drawer_session",
		EntityID:   sessionID,
		Detail:     detail,
		CreatedAt:  e.now(),
	}); err != nil {
		log.Printf("[drawer] WARN: failed to write audit entry action=%s session=%s: %v", action, sessionID, err)
	}
}
