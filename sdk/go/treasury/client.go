// Package treasury is a Go client for the treasuryd REST API.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with treasuryd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// AccountMeta is one account slot of an instruction.
type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// Instruction describes a call the treasury should sign for.
type Instruction struct {
	ProgramID string        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      hexutil.Bytes `json:"data"`
}

// Receipt is returned for committed transactions.
type Receipt struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	Logs      []string `json:"logs,omitempty"`
}

// Governor is the singleton governor together with its derived accounts.
type Governor struct {
	Address      string `json:"address"`
	Creator      string `json:"creator"`
	Bump         uint8  `json:"bump"`
	Vault        string `json:"vault"`
	VaultBump    uint8  `json:"vault_bump"`
	VaultBalance uint64 `json:"vault_balance"`
	Executor     string `json:"executor"`
}

// Proposal is a stored instruction awaiting execution.
type Proposal struct {
	Address   string        `json:"address"`
	Governor  string        `json:"governor"`
	Creator   string        `json:"creator"`
	ProgramID string        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      hexutil.Bytes `json:"data"`
	Executed  bool          `json:"executed"`
}

// ProposalRecord is an entry of the proposal log.
type ProposalRecord struct {
	Address           string `json:"address"`
	Governor          string `json:"governor"`
	Creator           string `json:"creator"`
	ProgramID         string `json:"program_id"`
	Accounts          int    `json:"accounts"`
	Data              string `json:"data"`
	Signature         string `json:"signature"`
	Executed          bool   `json:"executed"`
	ExecutedSignature string `json:"executed_signature,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// JobResult is recorded when a relay job succeeds.
type JobResult struct {
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Job is a queued proposal execution.
type Job struct {
	ID         string            `json:"id"`
	Proposal   string            `json:"proposal"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Terminal   bool              `json:"terminal,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *JobResult        `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Done reports whether the job will not change any more.
func (j Job) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && (j.Terminal || j.Attempts >= j.MaxRetries))
}

// JobStats aggregates job states.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// JobFilter narrows ListJobs and JobStats. Zero values are ignored.
type JobFilter struct {
	Statuses []string
	Proposal string
	Query    string
	Limit    int
	Offset   int
}

func (f JobFilter) values() url.Values {
	v := url.Values{}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Proposal != "" {
		v.Set("proposal", f.Proposal)
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// Account is a read-only account view.
type Account struct {
	Address     string  `json:"address"`
	Exists      bool    `json:"exists"`
	Lamports    uint64  `json:"lamports"`
	Owner       string  `json:"owner,omitempty"`
	Executable  bool    `json:"executable"`
	DataLen     int     `json:"data_len"`
	TokenAmount *uint64 `json:"token_amount,omitempty"`
}

// Health is the /healthz payload.
type Health struct {
	Status string `json:"status"`
	Ledger *struct {
		Slot      uint64   `json:"slot"`
		Blockhash string   `json:"blockhash"`
		Programs  []string `json:"programs"`
		Notes     string   `json:"notes,omitempty"`
	} `json:"ledger,omitempty"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("treasury api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("treasury api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient parses rawURL and returns a client. A nil httpClient gets
// DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with write requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Health reports server and ledger status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// CreateGovernor creates the singleton governor with the server's creator key.
func (c *Client) CreateGovernor(ctx context.Context) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, http.MethodPost, "/api/v1/governor", nil, nil, &out)
	return out, err
}

// Governor returns the governor and its derived accounts.
func (c *Client) Governor(ctx context.Context) (Governor, error) {
	var out Governor
	err := c.do(ctx, http.MethodGet, "/api/v1/governor", nil, nil, &out)
	return out, err
}

// Propose stores ix as a new proposal and returns its address.
func (c *Client) Propose(ctx context.Context, ix Instruction) (string, Receipt, error) {
	var out struct {
		Address string  `json:"address"`
		Receipt Receipt `json:"receipt"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/proposals", nil, ix, &out); err != nil {
		return "", Receipt{}, err
	}
	return out.Address, out.Receipt, nil
}

// Proposal fetches a stored proposal.
func (c *Client) Proposal(ctx context.Context, address string) (Proposal, error) {
	var out Proposal
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals/"+url.PathEscape(address), nil, nil, &out)
	return out, err
}

// ListProposals returns the most recent proposal log entries.
func (c *Client) ListProposals(ctx context.Context, limit int) ([]ProposalRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []ProposalRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals", q, nil, &out)
	return out, err
}

// Execute queues execution of a proposal. jobID may be empty; reusing one
// returns the existing job.
func (c *Client) Execute(ctx context.Context, address, jobID string) (Job, error) {
	body := map[string]string{}
	if jobID != "" {
		body["id"] = jobID
	}
	var out Job
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(address)+"/execute", nil, body, &out)
	return out, err
}

// Relay signs and submits ix immediately with the executor authority.
func (c *Client) Relay(ctx context.Context, ix Instruction) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, http.MethodPost, "/api/v1/relay", nil, ix, &out)
	return out, err
}

// Job fetches a relay job.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// ListJobs lists relay jobs.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var out []Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs", filter.values(), nil, &out)
	return out, err
}

// JobStats aggregates relay jobs.
func (c *Client) JobStats(ctx context.Context, filter JobFilter) (JobStats, error) {
	var out JobStats
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/stats", filter.values(), nil, &out)
	return out, err
}

// WaitForJob polls until the job is done or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Account returns the ledger view of an address.
func (c *Client) Account(ctx context.Context, address string) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(address), nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
