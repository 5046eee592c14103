// Package review moves staged entities through pending → approved or
// rejected, promoting approved rows into the production tables.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/store"
)

// Action is a review transition.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Code classifies a review failure for callers.
type Code string

const (
	CodeInvalidParameters Code = "invalid_parameters"
	CodeNotFound          Code = "not_found"
	CodeStoreError        Code = "store_error"
	CodeForbidden         Code = "forbidden"
)

// Step names where in a transition a failure happened.
type Step string

const (
	StepValidate         Step = "validate"
	StepLoad             Step = "load"
	StepUpdateStatus     Step = "update_status"
	StepReadBack         Step = "read_back"
	StepInsertProduction Step = "insert_production"
	StepCommit           Step = "commit"
)

// Error is a structured review failure. Approval failures carry the step
// that failed so a production insert error is distinguishable from a status
// update error; either way nothing was committed.
type Error struct {
	Code    Code   `json:"code"`
	Step    Step   `json:"step"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("review %s (%s): %s: %v", e.Code, e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("review %s (%s): %s", e.Code, e.Step, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err's *Error, if any.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func invalid(msg string) *Error {
	return &Error{Code: CodeInvalidParameters, Step: StepValidate, Message: msg}
}

func storeErr(step Step, err error) *Error {
	return &Error{Code: CodeStoreError, Step: step, Message: "store operation failed", Err: err}
}

// Request is one review decision. Table accepts a production or staging
// table name ("artists", "staged_artists") or a kind ("artist").
type Request struct {
	Table  string  `json:"table"`
	ID     string  `json:"id"`
	Action string  `json:"action"`
	Notes  *string `json:"notes,omitempty"`
}

// Result reports a completed transition.
type Result struct {
	Kind         model.Kind         `json:"kind"`
	ID           string             `json:"id"`
	Status       model.ReviewStatus `json:"status"`
	ProductionID string             `json:"productionId,omitempty"`
}

// Service applies review decisions.
type Service struct {
	store store.Store
}

// NewService builds a service over s.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Review validates req and applies it. isAdmin is the caller's already
// verified authorization; non-admins are refused before anything is read.
func (s *Service) Review(ctx context.Context, req Request, isAdmin bool) (*Result, error) {
	if !isAdmin {
		return nil, &Error{Code: CodeForbidden, Step: StepValidate, Message: "administrator access required"}
	}
	kind, action, id, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	notes := cleanNotes(req.Notes)

	log := zap.L().With(
		zap.String("component", "review"),
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("action", string(action)),
	)

	var res *Result
	switch action {
	case ActionApprove:
		res, err = s.approve(ctx, kind, id, notes)
	case ActionReject:
		res, err = s.reject(ctx, kind, id, notes)
	}
	if err != nil {
		if re, ok := AsError(err); ok && re.Code == CodeStoreError {
			log.Error("review failed", zap.String("step", string(re.Step)), zap.Error(err))
		} else {
			log.Warn("review refused", zap.Error(err))
		}
		return nil, err
	}
	log.Info("review applied", zap.String("production_id", res.ProductionID))
	return res, nil
}

func parseRequest(req Request) (model.Kind, Action, string, error) {
	kind, err := model.ParseKind(req.Table)
	if err != nil {
		return "", "", "", invalid(fmt.Sprintf("unknown table %q", req.Table))
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return "", "", "", invalid("id is required")
	}
	action := Action(strings.ToLower(strings.TrimSpace(req.Action)))
	if action != ActionApprove && action != ActionReject {
		return "", "", "", invalid(fmt.Sprintf("unknown action %q (valid: approve, reject)", req.Action))
	}
	return kind, action, id, nil
}

func cleanNotes(n *string) *string {
	if n == nil {
		return nil
	}
	v := strings.TrimSpace(*n)
	if v == "" {
		return nil
	}
	return &v
}

// approve flips the staged row and inserts the production row in one
// transaction.
func (s *Service) approve(ctx context.Context, kind model.Kind, id string, notes *string) (*Result, error) {
	res := &Result{Kind: kind, ID: id, Status: model.StatusApproved}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := loadPending(ctx, tx, kind, id); err != nil {
			return err
		}
		if err := tx.SetStagedStatus(ctx, kind, id, model.StatusApproved, notes); err != nil {
			return storeErr(StepUpdateStatus, err)
		}
		staged, err := tx.GetStaged(ctx, kind, id)
		if err != nil {
			return storeErr(StepReadBack, err)
		}
		if staged.Status != model.StatusApproved {
			return storeErr(StepReadBack, eris.Errorf("status reads back as %s", staged.Status))
		}
		prodID, err := tx.InsertProduction(ctx, kind, Promote(kind, staged), staged.CreatedAt)
		if err != nil {
			return storeErr(StepInsertProduction, err)
		}
		res.ProductionID = prodID
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (s *Service) reject(ctx context.Context, kind model.Kind, id string, notes *string) (*Result, error) {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := loadPending(ctx, tx, kind, id); err != nil {
			return err
		}
		if err := tx.SetStagedStatus(ctx, kind, id, model.StatusRejected, notes); err != nil {
			return storeErr(StepUpdateStatus, err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Result{Kind: kind, ID: id, Status: model.StatusRejected}, nil
}

func loadPending(ctx context.Context, tx store.Tx, kind model.Kind, id string) error {
	staged, err := tx.GetStaged(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeNotFound, Step: StepLoad, Message: fmt.Sprintf("%s %s not found", kind.StagingTable(), id)}
	}
	if err != nil {
		return storeErr(StepLoad, err)
	}
	if staged.Status != model.StatusPending {
		return invalid(fmt.Sprintf("record is not pending (status: %s)", staged.Status))
	}
	return nil
}

// classify keeps a structured error from inside the transaction and treats
// anything else (begin, commit) as a store failure.
func classify(err error) error {
	if re, ok := AsError(err); ok {
		return re
	}
	return storeErr(StepCommit, err)
}

// Promote turns an approved staged row into its production record: the
// staging-only fields (id, status, review notes, source url) are not carried.
// The staged created_at is passed separately to InsertProduction.
func Promote(kind model.Kind, staged *model.StagedEntity) model.Record {
	return model.Project(kind, staged.Fields)
}
