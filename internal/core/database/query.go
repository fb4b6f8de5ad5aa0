package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

type scanner interface {
	Scan(dest ...any) error
}

// args collects positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func (a *args) list(vs []string) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = a.add(v)
	}
	return strings.Join(ph, ", ")
}

// expectationClause renders exp as predicates on the job alias j.
func expectationClause(a *args, id string, exp core.JobExpectation) string {
	conds := []string{"j.id = " + a.add(id)}
	if len(exp.Statuses) > 0 {
		names := make([]string, len(exp.Statuses))
		for i, s := range exp.Statuses {
			names[i] = string(s)
		}
		conds = append(conds, "j.status IN ("+a.list(names)+")")
	}
	if exp.RetryCount != nil {
		conds = append(conds, "j.retry_count = "+a.add(*exp.RetryCount))
	}
	if exp.UpdatedBefore != nil {
		conds = append(conds, "j.updated_at < "+a.add(*exp.UpdatedBefore))
	}
	return strings.Join(conds, " AND ")
}

// setClause renders the job columns named by upd. updated_at is always
// refreshed so every write doubles as a heartbeat.
func setClause(a *args, upd core.JobUpdate) (string, error) {
	var sets []string
	set := func(col string, v any) {
		sets = append(sets, col+" = "+a.add(v))
	}
	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.Stage != nil {
		set("stage", *upd.Stage)
	}
	if upd.StageIndex != nil {
		set("stage_index", *upd.StageIndex)
	}
	if upd.StageTotal != nil {
		set("stage_total", *upd.StageTotal)
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = LEAST(GREATEST(j.progress, "+a.add(*upd.Progress)+"), 100)")
	}
	if upd.RetryCount != nil {
		set("retry_count", *upd.RetryCount)
	}
	if upd.MaxRetryCount != nil {
		set("max_retry_count", *upd.MaxRetryCount)
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	if upd.ErrorDetail != nil {
		set("error_detail", *upd.ErrorDetail)
	}
	if upd.ErrorType != nil {
		set("error_type", *upd.ErrorType)
	}
	if upd.CommittedChunks != nil {
		set("committed_chunks", *upd.CommittedChunks)
	}
	if upd.Warnings != nil {
		w, err := encodeWarnings(upd.Warnings)
		if err != nil {
			return "", err
		}
		sets = append(sets, "warnings = "+a.add(w)+"::jsonb")
	}
	switch {
	case upd.NextRetryAt != nil:
		set("next_retry_at", *upd.NextRetryAt)
	case upd.ClearNextRetryAt:
		sets = append(sets, "next_retry_at = NULL")
	}
	if upd.ProcessingStartedAt != nil {
		set("processing_started_at", *upd.ProcessingStartedAt)
	}
	if upd.CompletedAt != nil {
		set("completed_at", *upd.CompletedAt)
	}
	sets = append(sets, "updated_at = now()")
	return strings.Join(sets, ", "), nil
}

func encodeWarnings(w []string) (string, error) {
	if w == nil {
		w = []string{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode warnings: %w", err)
	}
	return string(b), nil
}

func decodeWarnings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var w []string
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	if len(w) == 0 {
		return nil, nil
	}
	return w, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	var m map[string]any
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// vectorArg returns SQL NULL for an absent embedding.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func zeroAsNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
