package relay

import (
	"strings"
	"time"
)

// SortOrder defines how jobs are ordered when listing.
type SortOrder int

const (
	// SortByUpdatedDesc orders jobs by UpdatedAt, most recent first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders jobs by UpdatedAt, oldest first.
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions selects jobs from a store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Proposal   string
	UpdatedGTE int64
	UpdatedLTE int64
	// HasResult filters on whether an execution result was recorded.
	HasResult *bool
	Order     SortOrder
	// Query matches id, proposal, signature and last error by substring.
	Query string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Proposal = strings.TrimSpace(opts.Proposal)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching jobs.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses keeps jobs in any of the given statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithProposal keeps jobs for one proposal address.
func WithProposal(proposal string) ListOption {
	return func(opts *ListOptions) { opts.Proposal = proposal }
}

// WithUpdatedSince keeps jobs updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = 0
		if !ts.IsZero() {
			opts.UpdatedGTE = ts.Unix()
		}
	}
}

// WithUpdatedUntil keeps jobs updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = 0
		if !ts.IsZero() {
			opts.UpdatedLTE = ts.Unix()
		}
	}
}

// WithResultPresence filters on whether the job has an execution result.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery filters by substring.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func hasResult(job *Job) bool {
	return job.Result != nil
}

func matchesListFilters(job *Job, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if job.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Proposal != "" && job.Proposal != opts.Proposal {
		return false
	}
	if opts.UpdatedGTE > 0 && job.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && job.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && hasResult(job) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		fields := []string{job.ID, job.Proposal, job.LastError, job.ErrorCode}
		if job.Result != nil {
			fields = append(fields, job.Result.Signature, job.Result.Note)
		}
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}
