package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bountyflow/auth"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/logging"
	"bountyflow/metrics"
	"bountyflow/rejection"
	"bountyflow/reputation"
	"bountyflow/task"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type taskService interface {
	Create(ctx context.Context, params task.CreateParams) (task.Task, error)
	Get(ctx context.Context, taskID string) (task.Task, error)
	List(ctx context.Context, filters task.Filters) ([]task.Task, int, error)
	Summary(ctx context.Context, taskID string) (task.Summary, error)
	Price(ctx context.Context, taskID string) (int64, error)
	IsExpired(ctx context.Context, taskID string) (bool, error)
	IsRefundEligible(ctx context.Context, taskID string) (bool, error)

	Fund(ctx context.Context, taskID, caller string, amount int64) (task.Task, error)
	Claim(ctx context.Context, taskID, caller string, quantity int64, group escrow.Group) (task.Task, error)
	Submit(ctx context.Context, taskID, caller, ref string) (task.Task, error)
	Approve(ctx context.Context, taskID, caller string) (task.Task, error)
	Dispute(ctx context.Context, taskID, caller string) (task.Task, error)
	Vote(ctx context.Context, taskID, caller string, support bool) (task.Task, error)
	FinalizeVote(ctx context.Context, taskID, caller string) (task.Task, error)
	ForceResolve(ctx context.Context, taskID, caller string) (task.Task, error)
	Expire(ctx context.Context, taskID, caller string) (task.Task, error)
	AutoReopen(ctx context.Context, taskID, caller string) (task.Task, error)
	Reassign(ctx context.Context, taskID, caller string) (task.Task, error)
	Cancel(ctx context.Context, taskID, caller string) (task.Task, error)
	ProposeCancellation(ctx context.Context, taskID, caller string) (task.Task, error)
	VoteCancellation(ctx context.Context, taskID, caller string) (task.Task, error)
	Close(ctx context.Context, taskID, caller string) (task.Task, error)
	PenalizeClaimer(ctx context.Context, taskID, caller string, amount int64) (task.Task, error)
	WithdrawAssets(ctx context.Context, taskID, caller string, amount int64) (task.Task, error)
	SetPrice(ctx context.Context, taskID, caller string, price int64) (task.Task, error)
	SetDeadline(ctx context.Context, taskID, caller string, next time.Time) (task.Task, error)
	ExtendDeadline(ctx context.Context, taskID, caller string, d time.Duration) (task.Task, error)
	VoteExtendDeadline(ctx context.Context, taskID, caller string) (task.Task, error)
	RateClaimer(ctx context.Context, taskID, caller string, stars int) (task.Task, error)
	LeaveFeedback(ctx context.Context, taskID, caller, body string) (task.Task, error)
}

type disputeService interface {
	ListDisputed(ctx context.Context, authority string, limit int) ([]dispute.Record, error)
}

type reputationService interface {
	GetByID(ctx context.Context, identity string) (reputation.Record, error)
	List(ctx context.Context, limit int) ([]reputation.Record, error)
	Feedback(ctx context.Context, subject string) ([]reputation.Feedback, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the task operations over HTTP. The caller of every operation
// is the subject of the bearer token.
type Server struct {
	taskService       taskService
	disputeService    disputeService
	reputationService reputationService
	authService       authService
	logger            logging.Logger
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/summary", s.handleTaskSummary).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/price", s.handleGetPrice).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/price", s.handleSetPrice).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}/expired", s.handleIsExpired).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/refund-eligible", s.handleRefundEligible).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/deadline", s.handleSetDeadline).Methods(http.MethodPut)

	api.HandleFunc("/tasks/{id}/fund", s.handleFund).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/approve", s.handleSimple(task.OpApprove)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/dispute", s.handleSimple(task.OpDispute)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/votes", s.handleVote).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/finalize", s.handleSimple(task.OpFinalizeVote)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/force-resolve", s.handleSimple(task.OpForceResolve)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/expire", s.handleSimple(task.OpExpire)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reopen", s.handleSimple(task.OpAutoReopen)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reassign", s.handleSimple(task.OpReassign)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", s.handleSimple(task.OpCancel)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancellation", s.handleSimple(task.OpProposeCancel)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancellation-votes", s.handleSimple(task.OpVoteCancel)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/close", s.handleSimple(task.OpClose)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/extension-votes", s.handleSimple(task.OpVoteExtend)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/penalize", s.handleAmount(task.OpPenalize)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/withdraw", s.handleAmount(task.OpWithdraw)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/rating", s.handleRate).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/feedback", s.handleFeedback).Methods(http.MethodPost)

	api.HandleFunc("/disputes", s.handleDisputes).Methods(http.MethodGet)
	api.HandleFunc("/reputation", s.handleReputations).Methods(http.MethodGet)
	api.HandleFunc("/reputation/{identity}", s.handleReputation).Methods(http.MethodGet)
	api.HandleFunc("/reputation/{identity}/feedback", s.handleFeedbackList).Methods(http.MethodGet)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeError maps a service error onto an HTTP status. Unknown errors are
// logged and hidden behind a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if kind := rejection.KindOf(err); kind != "" {
		writeErrorMessage(w, statusForKind(kind), string(kind), err.Error())
		return
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeErrorMessage(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeErrorMessage(w, http.StatusConflict, "duplicate_email", err.Error())
	case errors.Is(err, auth.ErrWeakPassword):
		writeErrorMessage(w, http.StatusBadRequest, "weak_password", err.Error())
	case errors.Is(err, auth.ErrInvalidAccount):
		writeErrorMessage(w, http.StatusBadRequest, "invalid_account", err.Error())
	case errors.Is(err, reputation.ErrNotFound), errors.Is(err, task.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not_found", err.Error())
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "error", err)
		}
		writeErrorMessage(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func statusForKind(kind rejection.Kind) int {
	switch kind {
	case rejection.Unauthorized:
		return http.StatusForbidden
	case rejection.NotFound:
		return http.StatusNotFound
	case rejection.InvalidTransition, rejection.DuplicateVote, rejection.DeadlineAlreadyPassed, rejection.InsufficientQuorumOrTimeout:
		return http.StatusConflict
	case rejection.InvalidArgument, rejection.InvalidProof:
		return http.StatusUnprocessableEntity
	case rejection.TransferRejected, rejection.PaymentRejected, rejection.InsufficientEscrow:
		return http.StatusPaymentRequired
	case rejection.DeadlineNotReached:
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}
