package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bountyflow/auth"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/rejection"
	"bountyflow/reputation"
	"bountyflow/task"
)

// stubTaskService implements the handful of operations a test exercises;
// anything else panics through the nil embedded interface.
type stubTaskService struct {
	taskService

	task task.Task
	list []task.Task
	err  error

	gotCaller   string
	gotQuantity int64
	gotGroup    escrow.Group
	gotExtendBy time.Duration
	gotSupport  *bool
	gotFilters  task.Filters
	calledOp    string
}

func (s *stubTaskService) Get(_ context.Context, id string) (task.Task, error) {
	if s.err != nil {
		return task.Task{}, s.err
	}
	t := s.task
	t.ID = id
	return t, nil
}

func (s *stubTaskService) List(_ context.Context, f task.Filters) ([]task.Task, int, error) {
	s.gotFilters = f
	return s.list, len(s.list), s.err
}

func (s *stubTaskService) Claim(_ context.Context, id, caller string, quantity int64, group escrow.Group) (task.Task, error) {
	s.calledOp, s.gotCaller, s.gotQuantity, s.gotGroup = task.OpClaim, caller, quantity, group
	return s.task, s.err
}

func (s *stubTaskService) Approve(_ context.Context, id, caller string) (task.Task, error) {
	s.calledOp, s.gotCaller = task.OpApprove, caller
	return s.task, s.err
}

func (s *stubTaskService) Close(_ context.Context, id, caller string) (task.Task, error) {
	s.calledOp, s.gotCaller = task.OpClose, caller
	return s.task, s.err
}

func (s *stubTaskService) Vote(_ context.Context, id, caller string, support bool) (task.Task, error) {
	s.calledOp, s.gotCaller, s.gotSupport = task.OpVote, caller, &support
	return s.task, s.err
}

func (s *stubTaskService) ExtendDeadline(_ context.Context, id, caller string, d time.Duration) (task.Task, error) {
	s.calledOp, s.gotCaller, s.gotExtendBy = task.OpSetDeadline, caller, d
	return s.task, s.err
}

func (s *stubTaskService) WithdrawAssets(_ context.Context, id, caller string, amount int64) (task.Task, error) {
	s.calledOp, s.gotCaller, s.gotQuantity = task.OpWithdraw, caller, amount
	return s.task, s.err
}

type stubDisputeService struct {
	records      []dispute.Record
	gotAuthority string
}

func (s *stubDisputeService) ListDisputed(_ context.Context, authority string, _ int) ([]dispute.Record, error) {
	s.gotAuthority = authority
	return s.records, nil
}

type stubReputationService struct {
	record reputation.Record
	err    error
}

func (s *stubReputationService) GetByID(_ context.Context, _ string) (reputation.Record, error) {
	return s.record, s.err
}

func (s *stubReputationService) List(_ context.Context, _ int) ([]reputation.Record, error) {
	return []reputation.Record{s.record}, s.err
}

func (s *stubReputationService) Feedback(_ context.Context, _ string) ([]reputation.Feedback, error) {
	return nil, s.err
}

// stubAuthService accepts tokens of the form "<identity>:<role>".
type stubAuthService struct {
	loginErr error
}

func (s *stubAuthService) Register(_ context.Context, req auth.RegisterRequest) (*auth.Account, error) {
	return &auth.Account{ID: "acct-1", Email: req.Email, Role: auth.RoleWorker}, nil
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	if s.loginErr != nil {
		return auth.LoginResult{}, s.loginErr
	}
	return auth.LoginResult{Token: "tok", Account: auth.Account{ID: "acct-1", Role: auth.RoleWorker}}, nil
}

func (s *stubAuthService) VerifyToken(token string) (string, auth.Role, error) {
	id, role, ok := strings.Cut(token, ":")
	if !ok {
		return "", "", auth.ErrInvalidToken
	}
	return id, auth.Role(role), nil
}

func newTestServer(ts *stubTaskService) *Server {
	return &Server{
		taskService:       ts,
		disputeService:    &stubDisputeService{},
		reputationService: &stubReputationService{},
		authService:       &stubAuthService{},
	}
}

func doRequest(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestAuthenticate_RejectsMissingAndInvalidTokens(t *testing.T) {
	server := newTestServer(&stubTaskService{})

	if rec := doRequest(server, http.MethodGet, "/api/tasks/t1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doRequest(server, http.MethodGet, "/api/tasks/t1", "garbage", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestHealthz_IsPublic(t *testing.T) {
	rec := doRequest(newTestServer(&stubTaskService{}), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetTask_Success(t *testing.T) {
	deadline := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := &stubTaskService{task: task.Task{
		Authority:    "alice",
		AssetID:      "asa-1",
		UnitaryPrice: 250,
		Quantity:     2,
		Status:       task.StatusSubmitted,
		Claimer:      "bob",
		Deadline:     deadline,
		Escrow:       escrow.Holdings{Assets: 10},
	}}

	rec := doRequest(newTestServer(ts), http.MethodGet, "/api/tasks/t1", "bob:worker", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "t1" || resp.Status != "submitted" || resp.Claimer != "bob" || resp.EscrowAssets != 10 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.Deadline != deadline.Format(time.RFC3339) {
		t.Fatalf("expected deadline %s, got %s", deadline.Format(time.RFC3339), resp.Deadline)
	}
}

func TestHandleGetTask_NotFound(t *testing.T) {
	ts := &stubTaskService{err: rejection.New(rejection.NotFound, task.OpCreate, "task %s not found", "missing")}

	rec := doRequest(newTestServer(ts), http.MethodGet, "/api/tasks/missing", "bob:worker", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListTasks_FiltersAndPaging(t *testing.T) {
	ts := &stubTaskService{list: []task.Task{{ID: "t1", Status: task.StatusOpen}, {ID: "t2", Status: task.StatusOpen}}}

	rec := doRequest(newTestServer(ts), http.MethodGet, "/api/tasks?status=open&authority=alice&page=2&pageSize=5", "bob:worker", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []taskResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Total != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	want := task.Filters{Authority: "alice", Status: task.StatusOpen, Page: 2, PageSize: 5}
	if ts.gotFilters != want {
		t.Fatalf("expected filters %+v, got %+v", want, ts.gotFilters)
	}
}

func TestHandleListTasks_UnknownStatus(t *testing.T) {
	rec := doRequest(newTestServer(&stubTaskService{}), http.MethodGet, "/api/tasks?status=pending", "bob:worker", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleClaim_PassesCompanionGroup(t *testing.T) {
	ts := &stubTaskService{task: task.Task{Status: task.StatusClaimed}}
	body := `{"quantity":3,"payments":[{"sender":"bob","receiver":"escrow:t1","amount":500}]}`

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/claim", "bob:worker", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.gotCaller != "bob" || ts.gotQuantity != 3 {
		t.Fatalf("unexpected claim input: caller=%s quantity=%d", ts.gotCaller, ts.gotQuantity)
	}
	p, ok := ts.gotGroup.Payment(escrow.CompanionIndex)
	if !ok || p.Sender != "bob" || p.Amount != 500 {
		t.Fatalf("unexpected companion payment: %+v ok=%v", p, ok)
	}
}

func TestHandleClaim_WithoutPaymentsPassesNilGroup(t *testing.T) {
	ts := &stubTaskService{}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/claim", "bob:worker", `{"quantity":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.gotGroup != nil {
		t.Fatalf("expected nil group, got %#v", ts.gotGroup)
	}
}

func TestHandleClaim_RejectsUnknownFields(t *testing.T) {
	rec := doRequest(newTestServer(&stubTaskService{}), http.MethodPost, "/api/tasks/t1/claim", "bob:worker", `{"qty":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSimple_DispatchesApprove(t *testing.T) {
	ts := &stubTaskService{task: task.Task{Status: task.StatusCompleted}}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/approve", "alice:requester", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.calledOp != task.OpApprove || ts.gotCaller != "alice" {
		t.Fatalf("unexpected dispatch: op=%s caller=%s", ts.calledOp, ts.gotCaller)
	}
}

func TestHandleSimple_DispatchesClose(t *testing.T) {
	ts := &stubTaskService{task: task.Task{ID: "t1", Status: task.StatusCancelled, Closed: true}}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/close", "alice:requester", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.calledOp != task.OpClose || ts.gotCaller != "alice" {
		t.Fatalf("unexpected dispatch: op=%s caller=%s", ts.calledOp, ts.gotCaller)
	}
	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Closed || resp.Status != string(task.StatusCancelled) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleSimple_UnauthorizedMapsToForbidden(t *testing.T) {
	ts := &stubTaskService{err: rejection.New(rejection.Unauthorized, task.OpApprove, "caller is not the authority")}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/approve", "mallory:worker", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != string(rejection.Unauthorized) {
		t.Fatalf("expected error code %s, got %+v", rejection.Unauthorized, payload)
	}
}

func TestHandleVote_RequiresSupport(t *testing.T) {
	rec := doRequest(newTestServer(&stubTaskService{}), http.MethodPost, "/api/tasks/t1/votes", "carol:arbiter", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleVote_DuplicateIsConflict(t *testing.T) {
	ts := &stubTaskService{err: rejection.New(rejection.DuplicateVote, task.OpVote, "carol already voted")}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/votes", "carol:arbiter", `{"support":false}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ts.gotSupport == nil || *ts.gotSupport {
		t.Fatalf("expected support=false to reach the service")
	}
}

func TestHandleSetDeadline_ExtendBy(t *testing.T) {
	ts := &stubTaskService{}

	rec := doRequest(newTestServer(ts), http.MethodPut, "/api/tasks/t1/deadline", "alice:requester", `{"extendBy":"36h"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.gotExtendBy != 36*time.Hour {
		t.Fatalf("expected 36h extension, got %s", ts.gotExtendBy)
	}
}

func TestHandleSetDeadline_RequiresExactlyOneField(t *testing.T) {
	server := newTestServer(&stubTaskService{})

	for _, body := range []string{`{}`, `{"deadline":"2026-06-01T00:00:00Z","extendBy":"1h"}`, `{"extendBy":"soon"}`} {
		rec := doRequest(server, http.MethodPut, "/api/tasks/t1/deadline", "alice:requester", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleAmount_Withdraw(t *testing.T) {
	ts := &stubTaskService{err: rejection.New(rejection.InsufficientEscrow, task.OpWithdraw, "only 2 units free")}

	rec := doRequest(newTestServer(ts), http.MethodPost, "/api/tasks/t1/withdraw", "alice:requester", `{"amount":7}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if ts.calledOp != task.OpWithdraw || ts.gotQuantity != 7 {
		t.Fatalf("unexpected dispatch: op=%s amount=%d", ts.calledOp, ts.gotQuantity)
	}
}

func TestHandleDisputes_ScopedByRole(t *testing.T) {
	opened := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	ds := &stubDisputeService{records: []dispute.Record{{
		TaskID:    "t1",
		Authority: "alice",
		Claimer:   "bob",
		Dispute:   dispute.Dispute{VotesYes: 2, OpenedAt: opened, Active: true},
	}}}
	server := newTestServer(&stubTaskService{})
	server.disputeService = ds

	rec := doRequest(server, http.MethodGet, "/api/disputes?authority=zed", "alice:requester", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ds.gotAuthority != "alice" {
		t.Fatalf("non-arbiter listing should be scoped to the caller, got %q", ds.gotAuthority)
	}

	rec = doRequest(server, http.MethodGet, "/api/disputes", "carol:arbiter", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ds.gotAuthority != "" {
		t.Fatalf("arbiter listing should be unscoped, got %q", ds.gotAuthority)
	}

	var payload struct {
		Items []disputeResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].VotesYes != 2 || payload.Items[0].OpenedAt != opened.Format(time.RFC3339) {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleReputation_NotFound(t *testing.T) {
	server := newTestServer(&stubTaskService{})
	server.reputationService = &stubReputationService{err: reputation.ErrNotFound}

	rec := doRequest(server, http.MethodGet, "/api/reputation/nobody", "bob:worker", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newTestServer(&stubTaskService{})
	server.authService = &stubAuthService{loginErr: auth.ErrInvalidCredentials}

	rec := doRequest(server, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.c","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{rejection.New(rejection.InvalidTransition, task.OpClaim, "task is claimed"), http.StatusConflict},
		{rejection.New(rejection.DeadlineNotReached, task.OpAutoReopen, "deadline not reached"), http.StatusTooEarly},
		{rejection.New(rejection.InvalidProof, task.OpSubmit, "empty proof"), http.StatusUnprocessableEntity},
		{rejection.New(rejection.PaymentRejected, task.OpClaim, "wrong amount"), http.StatusPaymentRequired},
		{auth.ErrDuplicateEmail, http.StatusConflict},
		{auth.ErrWeakPassword, http.StatusBadRequest},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	server := &Server{}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		server.writeError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
