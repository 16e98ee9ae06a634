package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

// LedgerConfig holds the ledger's policy knobs.
type LedgerConfig struct {
	MaxPeriodDays  int
	ResubmitPolicy config.ResubmitPolicy
}

// SubmitInput is a user's access request.
type SubmitInput struct {
	UserID      string
	SecretID    string
	RequestData json.RawMessage
	PeriodDays  int
	Reason      string
}

// Decision is the outcome of Decide. Grant is set when the request was approved.
type Decision struct {
	Request *models.AccessRequest
	Grant   *models.AccessGrant
}

// Ledger records access requests and their decisions.
type Ledger struct {
	deps   Deps
	cfg    LedgerConfig
	grants *GrantManager
}

// NewLedger constructs a Ledger. Approvals issue grants through grants.
func NewLedger(deps Deps, grants *GrantManager, cfg LedgerConfig) *Ledger {
	if cfg.ResubmitPolicy == "" {
		cfg.ResubmitPolicy = config.ResubmitAfterExpiry
	}
	return &Ledger{deps: deps.withDefaults(), cfg: cfg, grants: grants}
}

// Submit records a pending request. It fails with conflict while the pair
// has a pending request, or while an approval still covers the pair as
// decided by the resubmit policy.
func (l *Ledger) Submit(ctx context.Context, in SubmitInput) (*models.AccessRequest, error) {
	if in.PeriodDays < 1 || (l.cfg.MaxPeriodDays > 0 && in.PeriodDays > l.cfg.MaxPeriodDays) {
		return nil, apperr.New(apperr.CodeBadRequest, fmt.Sprintf("access period must be between 1 and %d days", l.cfg.MaxPeriodDays))
	}
	if len(in.RequestData) > 0 && !json.Valid(in.RequestData) {
		return nil, apperr.New(apperr.CodeBadRequest, "request data must be valid JSON")
	}
	if !validID(in.SecretID) {
		return nil, apperr.New(apperr.CodeNotFound, "secret not found")
	}

	var req *models.AccessRequest
	err := l.deps.Tx.RunInTx(ctx, func(st Store) error {
		// The ledger lock comes before the pair lock in every writer.
		if err := st.LockLedgerWrite(ctx); err != nil {
			return err
		}
		if _, err := st.GetSecretByID(ctx, in.SecretID); err != nil {
			return err
		}
		if err := st.LockPair(ctx, in.UserID, in.SecretID); err != nil {
			return err
		}
		if err := l.checkResubmit(ctx, st, in.UserID, in.SecretID); err != nil {
			return err
		}

		now := l.deps.Clock()
		req = &models.AccessRequest{
			ID:          l.deps.NewID(),
			UserID:      in.UserID,
			SecretID:    in.SecretID,
			RequestData: in.RequestData,
			PeriodDays:  in.PeriodDays,
			Reason:      in.Reason,
			Status:      models.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return st.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, storeErr(err, "secret not found", "a pending request already exists for this secret")
	}

	l.deps.Signal.Publish(ctx)
	l.deps.Metrics.RequestSubmitted()
	l.deps.Log.Info("access request submitted",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("secret_id", req.SecretID),
		zap.Int("period_days", req.PeriodDays),
	)
	return req, nil
}

func (l *Ledger) checkResubmit(ctx context.Context, st Store, userID, secretID string) error {
	pending, err := st.HasRequestWithStatus(ctx, userID, secretID, models.StatusPending)
	if err != nil {
		return err
	}
	if pending {
		return apperr.New(apperr.CodeConflict, "a pending request already exists for this secret")
	}

	switch l.cfg.ResubmitPolicy {
	case config.ResubmitNever:
		approved, err := st.HasRequestWithStatus(ctx, userID, secretID, models.StatusApproved)
		if err != nil {
			return err
		}
		if approved {
			return apperr.New(apperr.CodeConflict, "access to this secret was already approved")
		}
	default:
		_, err := st.FindActiveGrant(ctx, userID, secretID, l.deps.Clock())
		if err == nil {
			return apperr.New(apperr.CodeConflict, "access to this secret is already granted")
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Decide approves or rejects a request. An approval issues a grant in the
// same transaction; if that fails the request keeps its previous status.
// An approved request cannot be decided again.
func (l *Ledger) Decide(ctx context.Context, requestID string, status models.AccessStatus, message string) (*Decision, error) {
	if !status.Decided() {
		return nil, apperr.New(apperr.CodeBadRequest, "new_status must be approved or rejected")
	}
	if !validID(requestID) {
		return nil, apperr.New(apperr.CodeNotFound, "request not found")
	}

	var out Decision
	err := l.deps.Tx.RunInTx(ctx, func(st Store) error {
		if err := st.LockLedgerWrite(ctx); err != nil {
			return err
		}
		req, err := st.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == models.StatusApproved {
			return apperr.New(apperr.CodeConflict, "request already approved")
		}

		if status == models.StatusApproved {
			grant, err := l.grants.issueIn(ctx, st, req.UserID, req.SecretID, req.ID, req.PeriodDays)
			if err != nil {
				if apperr.HasCode(err, apperr.CodeConflict) {
					return err
				}
				return apperr.Wrap(err, apperr.CodeInternal, "grant issuance failed")
			}
			out.Grant = grant
		}

		now := l.deps.Clock()
		if err := st.UpdateRequestDecision(ctx, req.ID, status, message, now); err != nil {
			return err
		}
		req.Status = status
		req.ResponseMessage = message
		req.UpdatedAt = now
		out.Request = req
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			l.deps.Log.Error("decision failed", zap.String("request_id", requestID), zap.Error(err))
		}
		return nil, storeErr(err, "request not found", "conflicting decision")
	}

	l.deps.Signal.Publish(ctx)
	l.deps.Metrics.RequestDecided(status)
	l.deps.Log.Info("access request decided",
		zap.String("request_id", out.Request.ID),
		zap.String("status", string(status)),
	)
	return &out, nil
}

// List returns requests, most recently updated first. A nil status lists all.
func (l *Ledger) List(ctx context.Context, status *models.AccessStatus) ([]models.AccessRequest, error) {
	reqs, err := l.deps.Store.ListRequests(ctx, status)
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	return reqs, nil
}

// ListForUser returns one user's requests, most recently updated first.
func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]models.AccessRequest, error) {
	reqs, err := l.deps.Store.ListRequestsByUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	return reqs, nil
}
