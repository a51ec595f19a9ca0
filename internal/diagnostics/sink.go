package diagnostics

/*
Sink — асинхронный сток диагностических событий в долговременное хранилище.

Ключевые свойства:
- Non-blocking: события уходят через неблокирующий канал, задержки БД
  не влияют на время ответа запросов.
- Batching: накопление в памяти и пакетная вставка по таймеру или при
  достижении лимита (100 событий).
- Drain Pattern: при остановке канал закрывается, воркер вычитывает
  остатки и делает финальный flush — события при перезапуске не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// IssueStore определяет, куда физически сохраняются события.
type IssueStore interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, issues []Issue) error
}

type Sink struct {
	ch     chan Issue
	repo   IssueStore
	logger *zap.Logger
	wg     sync.WaitGroup
	// Атомарный флаг (0 - открыт, 1 - закрыт): Submit после Stop не паникует
	isClosed int32
}

func NewSink(repo IssueStore, logger *zap.Logger) *Sink {
	return &Sink{
		ch:     make(chan Issue, 10000),
		repo:   repo,
		logger: logger.With(zap.String("mod", "issue-sink")),
	}
}

func (s *Sink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (s *Sink) Stop() {
	atomic.StoreInt32(&s.isClosed, 1)

	// Крошечная пауза, чтобы текущие Submit успели проскочить
	time.Sleep(10 * time.Millisecond)

	s.logger.Info("stopping issue sink: closing channel and flushing buffer...")
	close(s.ch)
	s.wg.Wait()
	s.logger.Info("issue sink stopped gracefully")
}

func (s *Sink) Submit(issue Issue) {
	if atomic.LoadInt32(&s.isClosed) == 1 {
		s.logger.Warn("issue dropped: sink is stopping", zap.String("id", issue.ID))
		return
	}

	// Load Shedding: если канал переполнен, событие остается только в логах
	select {
	case s.ch <- issue:
	default:
		s.logger.Error("issue_buffer_overflow",
			zap.String("category", issue.Category),
			zap.String("message", issue.Message),
		)
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()

	batch := make([]Issue, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к этому моменту может быть закрыт
			if err := s.repo.WriteBatch(context.Background(), batch); err != nil {
				s.logger.Error("issue flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case issue, ok := <-s.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush и выходим
				flush()
				s.logger.Info("issue sink worker finished")
				return
			}
			batch = append(batch, issue)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
