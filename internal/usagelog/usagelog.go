// Package usagelog writes an append-only audit trail of every request the
// gateway handles. Entries are buffered and flushed in batches; prompts are
// stored only as SHA-256 hashes. Sink failures are logged and swallowed:
// the audit trail is auxiliary to request correctness.
package usagelog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// Entry is immutable after Append.
type Entry struct {
	Timestamp    time.Time       `json:"timestamp"`
	RequestID    string          `json:"request_id"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	PromptSHA256 string          `json:"prompt_sha256"`
	TaskType     domain.TaskType `json:"task_type"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	LatencyMs    int64           `json:"latency_ms"`
	CacheHit     bool            `json:"cache_hit"`
	Status       string          `json:"status"` // success, error, cache_hit
	Error        string          `json:"error,omitempty"`
}

// HashPrompt derives the stored form of a prompt; raw text never reaches a
// sink.
func HashPrompt(prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(h[:])
}

// Sink persists batches of entries.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Close() error
}

// Logger batches entries in memory and flushes on size or interval. A single
// mutex guards the buffer; flushing swaps the buffer out under the lock and
// writes outside it.
type Logger struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Entry

	done chan struct{}
	wg   sync.WaitGroup
}

func NewLogger(sink Sink, batchSize int, flushInterval time.Duration) *Logger {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	l := &Logger{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]Entry, 0, batchSize),
		done:          make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Append buffers an entry, flushing when the batch is full. It never fails
// the caller.
func (l *Logger) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, entry)
	shouldFlush := len(l.buffer) >= l.batchSize
	l.mu.Unlock()

	if shouldFlush {
		l.Flush(context.Background())
	}
}

// Flush writes the current buffer to the sink. Errors are logged, and the
// batch is dropped rather than retried; the audit log must never back-pressure
// request handling.
func (l *Logger) Flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = make([]Entry, 0, l.batchSize)
	l.mu.Unlock()

	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		slog.Warn("usage log flush failed", "error", err, "entries", len(batch))
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush(context.Background())
		case <-l.done:
			return
		}
	}
}

// Close drains the buffer and closes the sink.
func (l *Logger) Close(ctx context.Context) error {
	close(l.done)
	l.wg.Wait()
	l.Flush(ctx)
	return l.sink.Close()
}
