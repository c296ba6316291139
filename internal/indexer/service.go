package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayindex/internal/firehose"
	"github.com/agentworkforce/relayindex/internal/logger"
	"github.com/agentworkforce/relayindex/internal/metrics"
)

const (
	defaultConsumerName        = "appview"
	defaultConcurrency         = 10
	defaultMaxRetries          = 5
	defaultRetryDelay          = time.Second
	defaultMaxRetryDelay       = time.Minute
	defaultRateLimitMultiplier = 5
	defaultBackpressurePause   = 50 * time.Millisecond
	drainPollInterval          = 10 * time.Millisecond
	stopFlushTimeout           = 5 * time.Second
	metricsSampleInterval      = 5 * time.Second
)

// Processor materializes one operation. It may be called more than once for
// the same operation and must be idempotent.
type Processor interface {
	Process(ctx context.Context, op Operation) error
}

type ProcessorFunc func(ctx context.Context, op Operation) error

func (f ProcessorFunc) Process(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// FrameSource is a restartable stream of frames from one relay.
type FrameSource interface {
	Subscribe(ctx context.Context, fromSeq *int64) <-chan firehose.Frame
	Disconnect()
	Status() firehose.ConsumerStatus
}

type SourceFactory func(relayURL, name string, reconnect *firehose.ReconnectionManager) (FrameSource, error)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type Config struct {
	// Relay is used when Relays is empty. Setting Relays selects multi-relay
	// mode, which reports one RelayStatus per relay.
	Relay  string
	Relays []string

	// ConsumerName namespaces stored cursors.
	ConsumerName string
	Concurrency  int
	QueueSize    int
	// MaxRetries is the retry ceiling; negative disables retries.
	MaxRetries          int
	RetryDelay          time.Duration
	MaxRetryDelay       time.Duration
	RateLimitMultiplier int
	BackpressurePause   time.Duration

	DedupWindow time.Duration
	DedupSize   int

	StartSequence       *int64
	CursorFlushInterval time.Duration
	CursorFlushEvery    int

	// ProcessRate caps processor calls per second across all workers. Zero
	// means unlimited.
	ProcessRate  float64
	ProcessBurst int

	Filter  FilterConfig
	Backoff firehose.BackoffConfig
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ConsumerName) == "" {
		c.ConsumerName = defaultConsumerName
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueCapacity
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	if c.RateLimitMultiplier <= 0 {
		c.RateLimitMultiplier = defaultRateLimitMultiplier
	}
	if c.BackpressurePause <= 0 {
		c.BackpressurePause = defaultBackpressurePause
	}
	if c.ProcessRate > 0 && c.ProcessBurst <= 0 {
		c.ProcessBurst = int(c.ProcessRate)
		if c.ProcessBurst < 1 {
			c.ProcessBurst = 1
		}
	}
	return c
}

// relayURLs returns the normalized relay list and whether multi-relay mode
// was requested.
func (c Config) relayURLs() ([]string, bool, error) {
	var raw []string
	multi := false
	for _, relay := range c.Relays {
		if strings.TrimSpace(relay) != "" {
			raw = append(raw, relay)
		}
	}
	if len(raw) > 0 {
		multi = true
	} else if strings.TrimSpace(c.Relay) != "" {
		raw = []string{c.Relay}
	}
	if len(raw) == 0 {
		return nil, false, ErrNoRelay
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, relay := range raw {
		normalized, err := firehose.NormalizeRelayURL(relay)
		if err != nil {
			return nil, false, err
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, multi, nil
}

type Option func(*Service)

func WithCursorStore(store CursorStore) Option {
	return func(s *Service) { s.cursorStore = store }
}

// WithCursorManager shares an existing manager. The service will not close it.
func WithCursorManager(m *CursorManager) Option {
	return func(s *Service) { s.cursors = m }
}

func WithDeadLetterQueue(dlq DeadLetterQueue) Option {
	return func(s *Service) { s.dlq = dlq }
}

func WithValidator(v RecordValidator) Option {
	return func(s *Service) { s.validator = v }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSourceFactory(f SourceFactory) Option {
	return func(s *Service) { s.sourceFactory = f }
}

type relayHandle struct {
	url         string
	name        string
	source      FrameSource
	frameErrors atomic.Int64
}

type counters struct {
	processed    atomic.Int64
	errors       atomic.Int64
	duplicates   atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
}

// serviceRun holds the state of one Start..Stop cycle.
type serviceRun struct {
	queue *EventQueue
	dedup *dedupCache

	ingestCtx    context.Context
	ingestCancel context.CancelFunc
	workCtx      context.Context
	workCancel   context.CancelFunc

	producers   sync.WaitGroup
	workers     sync.WaitGroup
	outstanding atomic.Int64
}

// Service is the indexing pipeline: one consumer per relay feeding a shared
// queue drained by a worker pool.
type Service struct {
	cfg        Config
	processor  Processor
	relays     []*relayHandle
	relayNames map[string]string
	multiRelay bool

	filter        *EventFilter
	commits       *CommitHandler
	validator     RecordValidator
	cursorStore   CursorStore
	cursors       *CursorManager
	ownsCursors   bool
	dlq           DeadLetterQueue
	metrics       *metrics.Metrics
	limiter       *rate.Limiter
	reconnect     *firehose.ReconnectionManager
	sourceFactory SourceFactory

	counters counters

	mu    sync.Mutex
	state State
	run   *serviceRun
}

func New(cfg Config, processor Processor, opts ...Option) (*Service, error) {
	if processor == nil {
		return nil, ErrNoProcessor
	}
	urls, multi, err := cfg.relayURLs()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:           cfg,
		processor:     processor,
		multiRelay:    multi,
		filter:        NewEventFilter(cfg.Filter),
		reconnect:     firehose.NewReconnectionManager(cfg.Backoff),
		sourceFactory: defaultSourceFactory,
		relayNames:    map[string]string{},
		state:         StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.commits = NewCommitHandler(s.validator)
	if s.dlq == nil {
		s.dlq = NewMemoryDeadLetterQueue()
	}
	if cfg.ProcessRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ProcessRate), cfg.ProcessBurst)
	}

	names := deriveRelayNames(urls)
	for i, url := range urls {
		source, err := s.sourceFactory(url, names[i], s.reconnect)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", url, err)
		}
		s.relays = append(s.relays, &relayHandle{url: url, name: names[i], source: source})
		s.relayNames[url] = names[i]
	}

	if s.cursors == nil {
		s.cursors = NewCursorManager(s.cursorStore, CursorOptions{
			FlushInterval: cfg.CursorFlushInterval,
			FlushEvery:    cfg.CursorFlushEvery,
			StartSequence: cfg.StartSequence,
			OnCommit: func(relay string, seq int64) {
				s.metrics.SetCursor(s.relayName(relay), seq)
			},
		})
		s.ownsCursors = true
	}
	return s, nil
}

func defaultSourceFactory(relayURL, name string, reconnect *firehose.ReconnectionManager) (FrameSource, error) {
	consumer, err := firehose.NewConsumer(relayURL, firehose.ConsumerOptions{Name: name, Reconnect: reconnect})
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

// Start loads cursors and launches relay loops and workers. It fails if the
// service is already starting or running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case StateStopping:
		s.mu.Unlock()
		return ErrStopping
	}
	s.state = StateStarting
	s.mu.Unlock()

	starts := make([]*int64, len(s.relays))
	for i, relay := range s.relays {
		seq, ok, err := s.cursors.CurrentCursor(ctx, s.cfg.ConsumerName, relay.url)
		if err != nil {
			s.setState(StateStopped)
			return fmt.Errorf("load cursor for %s: %w", relay.name, err)
		}
		if ok {
			from := seq
			starts[i] = &from
		}
		s.cursors.ResetPending(s.cfg.ConsumerName, relay.url)
	}

	run := &serviceRun{
		queue: NewEventQueue(s.cfg.QueueSize),
		dedup: newDedupCache(s.cfg.DedupSize, s.cfg.DedupWindow),
	}
	run.ingestCtx, run.ingestCancel = context.WithCancel(context.Background())
	run.workCtx, run.workCancel = context.WithCancel(context.Background())

	for i := 0; i < s.cfg.Concurrency; i++ {
		run.workers.Add(1)
		go s.worker(run)
	}
	for i, relay := range s.relays {
		run.producers.Add(1)
		go s.consumeRelay(run, relay, starts[i])
	}
	if s.metrics != nil {
		run.producers.Add(1)
		go s.sampleMetrics(run)
	}

	s.mu.Lock()
	s.run = run
	s.state = StateRunning
	s.mu.Unlock()

	slog.InfoContext(ctx, "indexing service started",
		"consumer", s.cfg.ConsumerName,
		"relays", len(s.relays),
		"workers", s.cfg.Concurrency,
		"queue_size", s.cfg.QueueSize)
	return nil
}

// Stop disconnects relays, lets queued and in-flight work finish, and flushes
// cursors. ctx bounds how long queued work may take; processor calls already
// running are never interrupted.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	run := s.run
	s.mu.Unlock()

	run.ingestCancel()
	for _, relay := range s.relays {
		relay.source.Disconnect()
	}
	run.producers.Wait()

	drainErr := s.drain(ctx, run)
	if drainErr != nil {
		slog.WarnContext(ctx, "stopping with undrained work",
			"outstanding", run.outstanding.Load(),
			"error", drainErr)
	}
	run.workCancel()
	run.workers.Wait()
	_ = run.queue.Close()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopFlushTimeout)
	defer cancel()
	flushErr := s.cursors.Flush(flushCtx)

	s.setState(StateStopped)
	slog.InfoContext(ctx, "indexing service stopped",
		"events_processed", s.counters.processed.Load(),
		"errors", s.counters.errors.Load())
	return errors.Join(drainErr, flushErr)
}

// Close stops the service and releases the cursor manager it created.
func (s *Service) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx)
	if !s.ownsCursors {
		return stopErr
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopFlushTimeout)
	defer cancel()
	return errors.Join(stopErr, s.cursors.Close(closeCtx))
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) ConsumerName() string         { return s.cfg.ConsumerName }
func (s *Service) DeadLetters() DeadLetterQueue { return s.dlq }
func (s *Service) Cursors() *CursorManager      { return s.cursors }
func (s *Service) MultiRelay() bool             { return s.multiRelay }

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Service) relayName(relayURL string) string {
	return s.relayNames[relayURL]
}

func (s *Service) drain(ctx context.Context, run *serviceRun) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for run.outstanding.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Service) consumeRelay(run *serviceRun, relay *relayHandle, from *int64) {
	defer run.producers.Done()
	ctx := logger.WithLogFields(run.ingestCtx, logger.LogFields{
		Component: "indexer.relay",
		Relay:     logger.Ptr(relay.name),
	})
	slog.InfoContext(ctx, "subscribing to relay", "url", relay.url, "cursor", from)

	frames := relay.source.Subscribe(ctx, from)
	for frame := range frames {
		if ctx.Err() != nil {
			continue
		}
		s.handleFrame(ctx, run, relay, frame)
	}
}

func (s *Service) handleFrame(ctx context.Context, run *serviceRun, relay *relayHandle, frame firehose.Frame) {
	frame.Relay = relay.url
	s.metrics.FrameReceived(relay.name)

	ops, err := s.commits.ParseCommit(frame)
	if err != nil {
		relay.frameErrors.Add(1)
		slog.WarnContext(ctx, "skipping unreadable frame", "error", err, "bytes", len(frame.Data))
		if seq, ok := firehose.JSONSequence(frame.Data); ok {
			s.cursors.Track(s.cfg.ConsumerName, relay.url, seq, 0)
		}
		return
	}
	if len(ops) == 0 {
		if seq, ok := firehose.JSONSequence(frame.Data); ok {
			s.cursors.Track(s.cfg.ConsumerName, relay.url, seq, 0)
		}
		return
	}

	accepted := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if !s.filter.Accepts(op) {
			continue
		}
		if run.dedup.Seen(op.DedupKey()) {
			s.counters.duplicates.Add(1)
			s.metrics.Duplicate()
			continue
		}
		s.commits.Validate(&op)
		accepted = append(accepted, op)
	}
	s.cursors.Track(s.cfg.ConsumerName, relay.url, ops[0].Sequence, len(accepted))

	for _, op := range accepted {
		if err := s.enqueue(ctx, run, QueueItem{Operation: op}); err != nil {
			// Remaining ops stay pending so the cursor cannot pass this commit.
			return
		}
	}
}

// enqueue waits out backpressure instead of dropping the item.
func (s *Service) enqueue(ctx context.Context, run *serviceRun, item QueueItem) error {
	run.outstanding.Add(1)
	for {
		err := run.queue.TryEnqueue(item)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBackpressure) {
			run.outstanding.Add(-1)
			return err
		}
		if waitErr := waitWithContext(ctx, s.cfg.BackpressurePause); waitErr != nil {
			run.outstanding.Add(-1)
			return waitErr
		}
	}
}

func (s *Service) worker(run *serviceRun) {
	defer run.workers.Done()
	for {
		item, ok := run.queue.Dequeue(run.workCtx)
		if !ok {
			return
		}
		s.handleItem(run, item)
	}
}

func (s *Service) handleItem(run *serviceRun, item QueueItem) {
	op := item.Operation
	ctx := logger.WithLogFields(context.WithoutCancel(run.workCtx), logger.LogFields{
		Component:  "indexer.worker",
		Relay:      logger.Ptr(s.relayName(op.OriginRelay)),
		RepoDID:    logger.Ptr(op.RepoDID),
		Collection: logger.Ptr(op.Collection),
		Sequence:   logger.Ptr(op.Sequence),
		Attempt:    logger.Ptr(item.Attempts + 1),
	})

	started := time.Now()
	err := op.DecodeErr
	if err == nil {
		err = s.invoke(ctx, op)
	}
	if err == nil {
		s.counters.processed.Add(1)
		s.metrics.Processed(time.Since(started))
		s.finish(run, op)
		return
	}

	class := Classify(err)
	s.counters.errors.Add(1)
	s.metrics.Failed(string(class), time.Since(started))
	if item.FirstFailedAt.IsZero() {
		item.FirstFailedAt = time.Now().UTC()
	}
	item.Attempts++

	if class == ClassPermanent || item.Attempts > s.cfg.MaxRetries {
		s.deadLetter(ctx, run, item, err, class)
		return
	}
	delay := s.retryDelay(item.Attempts, class, err)
	s.counters.retries.Add(1)
	s.metrics.Retried()
	slog.WarnContext(ctx, "operation failed, scheduling retry",
		"error", err,
		"class", class,
		"delay", delay.String())
	s.scheduleRetry(run, item, delay)
}

func (s *Service) invoke(ctx context.Context, op Operation) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	sc := logger.StartSpan(ctx, "indexer.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("record.uri", op.URI()),
			attribute.String("record.action", string(op.Action)),
			attribute.Int64("relay.seq", op.Sequence),
		))
	defer sc.End()

	err := s.safeProcess(sc.Context(), op)
	sc.RecordError(err)
	return err
}

func (s *Service) safeProcess(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, op)
}

func (s *Service) deadLetter(ctx context.Context, run *serviceRun, item QueueItem, cause error, class ErrorClass) {
	entry := NewDeadLetterEntry(item, cause, class)
	if err := s.dlq.Add(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "dead-letter write failed, will retry", "error", err, "cause", cause)
		s.scheduleRetry(run, item, s.retryDelay(item.Attempts, ClassTransient, nil))
		return
	}
	s.counters.deadLettered.Add(1)
	s.metrics.DeadLettered()
	slog.ErrorContext(ctx, "operation dead-lettered",
		"error", cause,
		"class", class,
		"attempts", item.Attempts,
		"dead_letter_id", entry.ID)
	s.finish(run, item.Operation)
}

func (s *Service) finish(run *serviceRun, op Operation) {
	s.cursors.Complete(s.cfg.ConsumerName, op.OriginRelay, op.Sequence)
	run.outstanding.Add(-1)
}

func (s *Service) retryDelay(attempts int, class ErrorClass, err error) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.cfg.RetryDelay * time.Duration(attempts)
	if class == ClassRateLimit {
		delay *= time.Duration(s.cfg.RateLimitMultiplier)
		if after := RetryAfter(err); after > delay {
			delay = after
		}
	}
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}
	return delay
}

func (s *Service) scheduleRetry(run *serviceRun, item QueueItem, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := run.queue.Enqueue(run.workCtx, item); err != nil {
			run.outstanding.Add(-1)
			slog.Warn("retry dropped during shutdown",
				"uri", item.Operation.URI(),
				"seq", item.Operation.Sequence,
				"error", err)
		}
	})
}

func (s *Service) sampleMetrics(run *serviceRun) {
	defer run.producers.Done()
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-run.ingestCtx.Done():
			return
		case <-ticker.C:
		}
		s.metrics.SetQueueDepth(run.queue.Depth())
		for _, relay := range s.relays {
			s.metrics.SetRelayConnected(relay.name, relay.source.Status().Connected)
		}
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
