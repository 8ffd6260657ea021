package usagelog

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// PostgresSink writes batches inside a single transaction.
//
// Schema:
//
//	CREATE TABLE usage_log (
//	    ts            TIMESTAMPTZ NOT NULL,
//	    request_id    TEXT NOT NULL,
//	    tenant_id     TEXT NOT NULL,
//	    user_id       TEXT NOT NULL,
//	    prompt_sha256 TEXT NOT NULL,
//	    task_type     TEXT NOT NULL,
//	    model         TEXT,
//	    provider      TEXT,
//	    input_tokens  INT NOT NULL,
//	    output_tokens INT NOT NULL,
//	    cost_usd      DOUBLE PRECISION NOT NULL,
//	    latency_ms    BIGINT NOT NULL,
//	    cache_hit     BOOLEAN NOT NULL,
//	    status        TEXT NOT NULL,
//	    error         TEXT
//	);
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) WriteBatch(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_log (ts, request_id, tenant_id, user_id, prompt_sha256, task_type,
			model, provider, input_tokens, output_tokens, cost_usd, latency_ms, cache_hit, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.Timestamp, e.RequestID, e.TenantID, e.UserID, e.PromptSHA256, e.TaskType,
			e.Model, e.Provider, e.InputTokens, e.OutputTokens, e.CostUSD, e.LatencyMs,
			e.CacheHit, e.Status, e.Error,
		)
		if err != nil {
			return fmt.Errorf("insert usage entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresSink) Close() error { return nil }

// FileSink appends JSON lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open usage log file: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) WriteBatch(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode usage entry: %w", err)
		}
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// SQSSink exports batches to an SQS queue for downstream analytics pipelines.
type SQSSink struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSSinkWithConfig(cfg aws.Config, queueURL string) *SQSSink {
	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

// sqsBatchLimit is the SQS SendMessageBatch maximum.
const sqsBatchLimit = 10

func (s *SQSSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for start := 0; start < len(entries); start += sqsBatchLimit {
		end := start + sqsBatchLimit
		if end > len(entries) {
			end = len(entries)
		}

		batch := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for i, e := range entries[start:end] {
			body, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal usage entry: %w", err)
			}
			batch = append(batch, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("e%d", start+i)),
				MessageBody: aws.String(string(body)),
			})
		}

		input := &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(s.queueURL),
			Entries:  batch,
		}
		if _, err := s.client.SendMessageBatch(ctx, input); err != nil {
			return fmt.Errorf("send usage batch: %w", err)
		}
	}
	return nil
}

func (s *SQSSink) Close() error { return nil }

// MemorySink collects entries for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make([]Entry, 0)}
}

func (s *MemorySink) WriteBatch(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemorySink) Close() error { return nil }

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

// multiSink fans a batch out to several sinks; the first error wins but all
// sinks see the batch.
type multiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks, e.g. Postgres for queries plus SQS for export.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) WriteBatch(ctx context.Context, entries []Entry) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.WriteBatch(ctx, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
