package audit

/*
Файл agentfs.go реализует пакетный приемник журнала аудита (AgentFS).

- Batching: события копятся в памяти и пишутся пачкой по таймеру или по достижении лимита.
- Backpressure вместо Load Shedding: при переполнении буфера Append блокируется до
  освобождения места или отмены контекста. Событие аудита не может быть тихо выброшено.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер вычитает остаток и сделает
  финальный flush.
- Reliability: сбой записи пачки повторяется с бэкоффом; итоговая ошибка логируется
  с ID событий, чтобы их можно было восстановить.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrAuditorStopped возвращается Append после Stop.
var ErrAuditorStopped = errors.New("audit: auditor is stopped")

// BatchStorage определяет, куда физически будут сохраняться логи.
type BatchStorage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type AgentFSOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	BufferGauge   prometheus.Gauge // опционально
}

type AgentFS struct {
	ch     chan AuditEvent
	repo   BatchStorage
	opts   AgentFSOptions
	logger *zap.Logger
	wg     sync.WaitGroup

	// RLock держат отправители, Lock берет Stop перед close(ch):
	// отправка в закрытый канал невозможна.
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo BatchStorage, opts AgentFSOptions, logger *zap.Logger) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &AgentFS{
		ch:     make(chan AuditEvent, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

// Append ставит событие в очередь. Блокируется при заполненном буфере.
func (fs *AgentFS) Append(ctx context.Context, event AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return ErrAuditorStopped
	}

	select {
	case fs.ch <- event:
	case <-ctx.Done():
		fs.logger.Error("audit_buffer_backpressure: event not accepted",
			zap.String("id", event.ID),
			zap.String("request_id", event.RequestID),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
	if fs.opts.BufferGauge != nil {
		fs.opts.BufferGauge.Set(float64(len(fs.ch)))
	}
	return nil
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Используем Background, так как основной контекст может быть уже закрыт
		err := retry.New(
			retry.Attempts(3),
			retry.Delay(50*time.Millisecond),
			retry.LastErrorOnly(true),
		).Do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), fs.opts.WriteTimeout)
			defer cancel()
			return fs.repo.WriteBatch(ctx, batch)
		})
		if err != nil {
			ids := make([]string, 0, len(batch))
			for _, e := range batch {
				ids = append(ids, e.ID)
			}
			fs.logger.Error("audit flush failed", zap.Strings("event_ids", ids), zap.Error(err))
		}
		batch = batch[:0]
		if fs.opts.BufferGauge != nil {
			fs.opts.BufferGauge.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// канал закрыт в Stop(): остаток уже вычитан, финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
