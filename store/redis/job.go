package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
)

// NextJobID returns the next value of the board's job sequence.
func (s *Store) NextJobID(ctx context.Context) (uint64, error) {
	next, err := s.client.Incr(ctx, jobSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("escrow/redis: next job id: %w", err)
	}
	return uint64(next), nil
}

// CreateJob stores the job as a Hash and tracks its ID for enumeration.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return escrow.ErrJobAlreadyExists
	}

	fields := jobToMap(j)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, strconv.FormatUint(j.ID, 10))

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID uint64) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID))
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return escrow.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.client.HSet(ctx, key, fields).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: update job: %w", err)
	}
	return nil
}

// ListJobs returns jobs in ascending ID order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, raw := range ids {
		jobID, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		j, getErr := s.getJobByKey(ctx, jobKey(jobID))
		if getErr != nil {
			continue // skip missing
		}
		if !opts.Manager.IsNil() && !j.Manager.Equal(opts.Manager) {
			continue
		}
		if !opts.Token.IsNil() && !j.Token.Equal(opts.Token) {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("escrow/redis: count smembers: %w", err)
	}

	var count int64
	for _, raw := range ids {
		jobID, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		j, getErr := s.getJobByKey(ctx, jobKey(jobID))
		if getErr != nil {
			continue
		}
		if !opts.Manager.IsNil() && !j.Manager.Equal(opts.Manager) {
			continue
		}
		if !opts.Token.IsNil() && !j.Token.Equal(opts.Token) {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            strconv.FormatUint(j.ID, 10),
		"title":         j.Title,
		"description":   j.Description,
		"manager":       j.Manager.String(),
		"token":         j.Token.String(),
		"quantity":      strconv.FormatUint(j.Quantity, 10),
		"duration":      strconv.FormatInt(int64(j.Duration), 10),
		"worker":        j.Worker.String(),
		"time_paid":     strconv.FormatInt(int64(j.TimePaid), 10),
		"time_refunded": strconv.FormatInt(int64(j.TimeRefunded), 10),
		"contributions": marshalJSON(j.Contributions),
		"applications":  marshalJSON(j.Applications),
		"refunded":      marshalJSON(j.Refunded),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.Offer != nil {
		m["offer"] = marshalJSON(j.Offer)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, escrow.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jobID, err := strconv.ParseUint(m["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse job id: %w", err)
	}
	manager, err := id.ParseAccountID(m["manager"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse manager: %w", err)
	}
	token, err := id.ParseTokenID(m["token"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse token: %w", err)
	}

	quantity, _ := strconv.ParseUint(m["quantity"], 10, 64)           //nolint:errcheck // best-effort parse from trusted Redis data
	duration, _ := strconv.ParseInt(m["duration"], 10, 64)            //nolint:errcheck // best-effort parse from trusted Redis data
	timePaid, _ := strconv.ParseInt(m["time_paid"], 10, 64)           //nolint:errcheck // best-effort parse from trusted Redis data
	timeRefunded, _ := strconv.ParseInt(m["time_refunded"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: escrow.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           jobID,
		Title:        m["title"],
		Description:  m["description"],
		Manager:      manager,
		Token:        token,
		Quantity:     quantity,
		Duration:     time.Duration(duration),
		TimePaid:     time.Duration(timePaid),
		TimeRefunded: time.Duration(timeRefunded),
	}

	if w := m["worker"]; w != "" {
		j.Worker, _ = id.ParseAccountID(w) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["offer"]; v != "" && v != "null" {
		var o job.Offer
		if err := json.Unmarshal([]byte(v), &o); err == nil {
			j.Offer = &o
		}
	}

	j.Contributions = unmarshalUintMap(m["contributions"])
	j.Applications = unmarshalTimeMap(m["applications"])
	j.Refunded = unmarshalBoolMap(m["refunded"])

	return j, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalUintMap parses a JSON map of account to quantity.
func unmarshalUintMap(s string) map[string]uint64 {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]uint64)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalTimeMap parses a JSON map of account to timestamp.
func unmarshalTimeMap(s string) map[string]time.Time {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]time.Time)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalBoolMap parses a JSON map of account to flag.
func unmarshalBoolMap(s string) map[string]bool {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]bool)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
