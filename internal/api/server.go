package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/chain"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/observability/metrics"
	"Treasury-Relay/internal/operator"
	"Treasury-Relay/internal/relay"
	"Treasury-Relay/internal/storage/sqlstore"
	"Treasury-Relay/internal/treasury"
)

const maxBodyBytes = 1 << 20

// Config 描述 API 服务的依赖。
type Config struct {
	Addr     string
	Operator *operator.Operator
	Jobs     *relay.Service
	Client   chain.Client
	// Metrics 为空时不暴露 /metrics。
	Metrics *metrics.Collector
	// Tokens 非空时，写操作需要携带其中之一作为 Bearer 令牌。
	Tokens []string
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	operator *operator.Operator
	jobs     *relay.Service
	client   chain.Client
	metrics  *metrics.Collector
	tokens   map[string]struct{}
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:     cfg.Addr,
		operator: cfg.Operator,
		jobs:     cfg.Jobs,
		client:   cfg.Client,
		metrics:  cfg.Metrics,
	}
	for _, token := range cfg.Tokens {
		if token = strings.TrimSpace(token); token != "" {
			if s.tokens == nil {
				s.tokens = make(map[string]struct{})
			}
			s.tokens[token] = struct{}{}
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/governor", s.handleCreateGovernor)
	mux.HandleFunc("GET /api/v1/governor", s.handleGovernor)
	mux.HandleFunc("POST /api/v1/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /api/v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{address}", s.handleProposal)
	mux.HandleFunc("POST /api/v1/proposals/{address}/execute", s.handleExecuteProposal)
	mux.HandleFunc("POST /api/v1/relay", s.handleRelay)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/stats", s.handleJobStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /api/v1/accounts/{address}", s.handleAccount)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withMetrics(s.withAuth(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.client == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	snapshot, err := s.client.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ledger": snapshot})
}

func (s *Server) handleCreateGovernor(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	receipt, err := s.operator.CreateGovernor(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(receipt))
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	ctx := r.Context()
	governor, err := s.operator.Governor(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	addrs := s.operator.Addresses()
	resp := governorResponse{
		Address:   addrs.Governor.Address.String(),
		Creator:   governor.Creator.String(),
		Bump:      governor.Bump,
		Vault:     addrs.Vault.Address.String(),
		VaultBump: addrs.Vault.Bump,
		Executor:  addrs.Executor.Address.String(),
	}
	if s.client != nil {
		balance, err := s.client.Balance(ctx, addrs.Vault.Address)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.VaultBalance = balance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var req instructionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ix, err := req.toInstruction()
	if err != nil {
		writeError(w, r, err)
		return
	}
	address, receipt, err := s.operator.Propose(r.Context(), ix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalCreatedResponse{Address: address.String(), Receipt: newReceiptResponse(receipt)})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.operator.ListProposals(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []sqlstore.ProposalRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	address, err := pathKey(r, "address")
	if err != nil {
		writeError(w, r, err)
		return
	}
	proposal, err := s.operator.Proposal(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProposalResponse(address, proposal))
}

// handleExecuteProposal 把提案执行排入中继队列，立即返回作业。
func (s *Server) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	if s.jobs == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	address, err := pathKey(r, "address")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	proposal, err := s.operator.Proposal(ctx, address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if proposal.Executed {
		writeError(w, r, xerrors.New(treasury.CodeAlreadyExecuted, "", xerrors.WithMetadata("proposal", address.String())))
		return
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["source"] = "api"
	job, err := s.jobs.Submit(ctx, relay.Request{ID: req.ID, Proposal: address.String(), Metadata: metadata})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var req instructionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ix, err := req.toInstruction()
	if err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.operator.Relay(r.Context(), ix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w, r) {
		return
	}
	opts, err := parseJobFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*relay.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w, r) {
		return
	}
	opts, err := parseJobFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireJobs(w, r) {
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.client == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未初始化"))
		return
	}
	address, err := pathKey(r, "address")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	info, err := s.client.Account(ctx, address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := accountResponse{Address: address.String()}
	if info != nil {
		resp.Exists = true
		resp.Lamports = info.Lamports
		resp.Owner = info.Owner.String()
		resp.Executable = info.Executable
		resp.DataLen = len(info.Data)
		if info.Owner.Equals(solana.TokenProgramID) {
			if amount, err := s.client.TokenBalance(ctx, address); err == nil {
				resp.TokenAmount = &amount
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if s.operator == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "operator 未初始化"))
		return false
	}
	return true
}

func (s *Server) requireJobs(w http.ResponseWriter, r *http.Request) bool {
	if s.jobs == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func pathKey(r *http.Request, name string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(r.PathValue(name))
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, name+" 不是有效地址")
	}
	return key, nil
}

// parseJobFilters 解析作业列表的查询参数。
func parseJobFilters(r *http.Request) ([]relay.ListOption, error) {
	q := r.URL.Query()
	var opts []relay.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, relay.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, relay.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []relay.Status
		for _, part := range strings.Split(raw, ",") {
			status := relay.Status(strings.ToLower(strings.TrimSpace(part)))
			if !relay.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, relay.WithStatuses(statuses...))
	}
	if raw := q.Get("proposal"); raw != "" {
		opts = append(opts, relay.WithProposal(raw))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, relay.WithResultPresence(has))
	}
	for _, bound := range []struct {
		name string
		opt  func(time.Time) relay.ListOption
	}{
		{"updated_since", relay.WithUpdatedSince},
		{"updated_until", relay.WithUpdatedUntil},
	} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, bound.name+" 必须为 Unix 秒")
		}
		opts = append(opts, bound.opt(time.Unix(ts, 0)))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, relay.WithSortOrder(relay.SortByUpdatedAsc))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, relay.WithQuery(raw))
	}
	return opts, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
