package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bountyflow/auth"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/reputation"
	"bountyflow/task"
)

type taskResponse struct {
	ID                string `json:"id"`
	Authority         string `json:"authority"`
	AssetID           string `json:"assetId"`
	UnitaryPrice      int64  `json:"unitaryPrice"`
	Quantity          int64  `json:"quantity"`
	Status            string `json:"status"`
	Closed            bool   `json:"closed"`
	Claimer           string `json:"claimer,omitempty"`
	Deadline          string `json:"deadline"`
	Proof             string `json:"proof,omitempty"`
	EscrowAssets      int64  `json:"escrowAssets"`
	EscrowPayments    int64  `json:"escrowPayments"`
	LockedDeposit     int64  `json:"lockedDeposit"`
	VotesYes          int    `json:"votesYes,omitempty"`
	VotesNo           int    `json:"votesNo,omitempty"`
	ExtensionVotes    int    `json:"extensionVotes"`
	CancellationVotes int    `json:"cancellationVotes"`
	Rated             bool   `json:"rated"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func toTaskResponse(t task.Task) taskResponse {
	resp := taskResponse{
		ID:                t.ID,
		Authority:         t.Authority,
		AssetID:           t.AssetID,
		UnitaryPrice:      t.UnitaryPrice,
		Quantity:          t.Quantity,
		Status:            string(t.Status),
		Closed:            t.Closed,
		Claimer:           t.Claimer,
		Deadline:          t.Deadline.UTC().Format(time.RFC3339),
		Proof:             t.Proof,
		EscrowAssets:      t.Escrow.Assets,
		EscrowPayments:    t.Escrow.Payments,
		LockedDeposit:     t.LockedDeposit,
		ExtensionVotes:    len(t.Extension.Voters),
		CancellationVotes: len(t.Cancellation.Voters),
		Rated:             t.Rated,
		CreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.Dispute != nil {
		resp.VotesYes = t.Dispute.VotesYes
		resp.VotesNo = t.Dispute.VotesNo
	}
	return resp
}

type summaryResponse struct {
	Status       string `json:"status"`
	Quantity     int64  `json:"quantity"`
	UnitaryPrice int64  `json:"unitaryPrice"`
	Claimer      string `json:"claimer"`
}

type disputeResponse struct {
	TaskID    string `json:"taskId"`
	Authority string `json:"authority"`
	Claimer   string `json:"claimer"`
	Quantity  int64  `json:"quantity"`
	Proof     string `json:"proof"`
	VotesYes  int    `json:"votesYes"`
	VotesNo   int    `json:"votesNo"`
	Round     int    `json:"round"`
	OpenedAt  string `json:"openedAt"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		TaskID:    rec.TaskID,
		Authority: rec.Authority,
		Claimer:   rec.Claimer,
		Quantity:  rec.Quantity,
		Proof:     rec.Proof,
		VotesYes:  rec.Dispute.VotesYes,
		VotesNo:   rec.Dispute.VotesNo,
		Round:     rec.Dispute.Round,
		OpenedAt:  rec.Dispute.OpenedAt.UTC().Format(time.RFC3339),
	}
}

type reputationResponse struct {
	Identity      string  `json:"identity"`
	AverageRating float64 `json:"averageRating"`
	Ratings       int     `json:"ratings"`
	Streak        int     `json:"streak"`
	Claims        int     `json:"claims"`
	Completions   int     `json:"completions"`
	Bonuses       int     `json:"bonuses"`
}

func toReputationResponse(rec reputation.Record) reputationResponse {
	return reputationResponse{
		Identity:      rec.Identity,
		AverageRating: rec.Average(),
		Ratings:       len(rec.Ratings),
		Streak:        rec.Streak,
		Claims:        rec.Claims,
		Completions:   rec.Completions,
		Bonuses:       rec.Bonuses,
	}
}

type feedbackResponse struct {
	TaskID    string `json:"taskId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": acct.ID, "email": acct.Email, "role": string(acct.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "id": res.Account.ID, "role": string(res.Account.Role)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID            string    `json:"assetId"`
		UnitaryPrice       int64     `json:"unitaryPrice"`
		Deadline           time.Time `json:"deadline"`
		Inventory          int64     `json:"inventory"`
		ExtensionThreshold int       `json:"extensionThreshold"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	created, err := s.taskService.Create(r.Context(), task.CreateParams{
		Authority:          callerFrom(r),
		AssetID:            req.AssetID,
		UnitaryPrice:       req.UnitaryPrice,
		Deadline:           req.Deadline,
		Inventory:          req.Inventory,
		ExtensionThreshold: req.ExtensionThreshold,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(created))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := task.Filters{
		Authority: q.Get("authority"),
		Claimer:   q.Get("claimer"),
		Status:    task.Status(q.Get("status")),
		Page:      atoiDefault(q.Get("page"), 1),
		PageSize:  atoiDefault(q.Get("pageSize"), 20),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", filters.Status))
		return
	}
	list, total, err := s.taskService.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]taskResponse, 0, len(list))
	for _, t := range list {
		items = append(items, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.taskService.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Status:       string(sum.Status),
		Quantity:     sum.Quantity,
		UnitaryPrice: sum.UnitaryPrice,
		Claimer:      sum.Claimer,
	})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.taskService.Price(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unitaryPrice": price})
}

func (s *Server) handleIsExpired(w http.ResponseWriter, r *http.Request) {
	expired, err := s.taskService.IsExpired(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (s *Server) handleRefundEligible(w http.ResponseWriter, r *http.Request) {
	eligible, err := s.taskService.IsRefundEligible(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"eligible": eligible})
}

type transitionFunc func(ctx context.Context, taskID, caller string) (task.Task, error)

func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	t, err := fn(r.Context(), mux.Vars(r)["id"], callerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// handleSimple serves the operations that take no input besides the caller.
func (s *Server) handleSimple(op string) http.HandlerFunc {
	var fn transitionFunc
	switch op {
	case task.OpApprove:
		fn = s.taskService.Approve
	case task.OpDispute:
		fn = s.taskService.Dispute
	case task.OpFinalizeVote:
		fn = s.taskService.FinalizeVote
	case task.OpForceResolve:
		fn = s.taskService.ForceResolve
	case task.OpExpire:
		fn = s.taskService.Expire
	case task.OpAutoReopen:
		fn = s.taskService.AutoReopen
	case task.OpReassign:
		fn = s.taskService.Reassign
	case task.OpCancel:
		fn = s.taskService.Cancel
	case task.OpProposeCancel:
		fn = s.taskService.ProposeCancellation
	case task.OpVoteCancel:
		fn = s.taskService.VoteCancellation
	case task.OpClose:
		fn = s.taskService.Close
	case task.OpVoteExtend:
		fn = s.taskService.VoteExtendDeadline
	default:
		panic("handleSimple: unsupported operation " + op)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondTransition(w, r, fn)
	}
}

// handleAmount serves the operations that take a single amount.
func (s *Server) handleAmount(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
			switch op {
			case task.OpPenalize:
				return s.taskService.PenalizeClaimer(ctx, id, caller, req.Amount)
			case task.OpWithdraw:
				return s.taskService.WithdrawAssets(ctx, id, caller, req.Amount)
			default:
				return s.taskService.Fund(ctx, id, caller, req.Amount)
			}
		})
	}
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(task.OpFund)(w, r)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int64               `json:"quantity"`
		Payments []escrow.PaymentTxn `json:"payments"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var group escrow.Group
	if len(req.Payments) > 0 {
		group = escrow.StaticGroup(req.Payments)
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.Claim(ctx, id, caller, req.Quantity, group)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proof string `json:"proof"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.Submit(ctx, id, caller, req.Proof)
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Support *bool `json:"support"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Support == nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "support is required")
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.Vote(ctx, id, caller, *req.Support)
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UnitaryPrice int64 `json:"unitaryPrice"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.SetPrice(ctx, id, caller, req.UnitaryPrice)
	})
}

// handleSetDeadline accepts either an absolute deadline or an extendBy
// duration ("36h").
func (s *Server) handleSetDeadline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deadline *time.Time `json:"deadline"`
		ExtendBy string     `json:"extendBy"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	switch {
	case req.Deadline != nil && req.ExtendBy == "":
		s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
			return s.taskService.SetDeadline(ctx, id, caller, *req.Deadline)
		})
	case req.Deadline == nil && req.ExtendBy != "":
		d, err := time.ParseDuration(req.ExtendBy)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "bad_request", "extendBy must be a duration")
			return
		}
		s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
			return s.taskService.ExtendDeadline(ctx, id, caller, d)
		})
	default:
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "exactly one of deadline or extendBy is required")
	}
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stars int `json:"stars"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.RateClaimer(ctx, id, caller, req.Stars)
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id, caller string) (task.Task, error) {
		return s.taskService.LeaveFeedback(ctx, id, caller, req.Body)
	})
}

// handleDisputes lists open disputes. Arbiters see every dispute; other
// callers only those on tasks they created.
func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	authority := callerFrom(r)
	if roleFrom(r) == auth.RoleArbiter {
		authority = r.URL.Query().Get("authority")
	}
	records, err := s.disputeService.ListDisputed(r.Context(), authority, atoiDefault(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reputationService.GetByID(r.Context(), mux.Vars(r)["identity"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReputationResponse(rec))
}

func (s *Server) handleReputations(w http.ResponseWriter, r *http.Request) {
	records, err := s.reputationService.List(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]reputationResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toReputationResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleFeedbackList(w http.ResponseWriter, r *http.Request) {
	list, err := s.reputationService.Feedback(r.Context(), mux.Vars(r)["identity"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]feedbackResponse, 0, len(list))
	for _, fb := range list {
		items = append(items, feedbackResponse{TaskID: fb.TaskID, Author: fb.Author, Body: fb.Body, CreatedAt: fb.CreatedAt.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
