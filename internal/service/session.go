// Package service runs the ingest and question pipeline for one document
// session.
//
// A session publishes an immutable snapshot (clauses, embedder, index) per
// successful ingestion. Queries always run against the published snapshot,
// so a rebuild that fails or is cancelled leaves the previous document
// fully queryable.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"policyqa/internal/decision"
	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/metrics"
	"policyqa/internal/resolver"
	"policyqa/internal/retriever"
	"policyqa/internal/vectorstore"
)

// errSuperseded ends a build that a newer ingestion or a reset replaced.
var errSuperseded = errors.New("build superseded")

// Options wires a Session.
type Options struct {
	Segmenter domain.Segmenter
	// Fitter, when set, fits a fresh model on every document's clauses.
	Fitter embedding.Fitter
	// Model is used as is when Fitter is nil.
	Model     embedding.Model
	Embedding embedding.Options
	Index     vectorstore.Builder

	Summarizer       domain.Summarizer
	SummarySentences int

	// Retrieval holds the defaults applied when Ask is given zero options.
	Retrieval retriever.Options
	Resolver  resolver.Options

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Report describes a successful ingestion.
type Report struct {
	DocumentID string        `json:"document_id"`
	Clauses    int           `json:"clauses"`
	Dimension  int           `json:"dimension"`
	Model      string        `json:"model"`
	Index      string        `json:"index"`
	Summary    string        `json:"summary,omitempty"`
	Took       time.Duration `json:"took"`
}

// Match is one ranked clause with its text, for showing alternatives.
type Match struct {
	domain.Hit
	Text string            `json:"text"`
	Span domain.SourceSpan `json:"span"`
}

// Result is everything known about one question.
type Result struct {
	DocumentID string                 `json:"document_id"`
	Answer     domain.Answer          `json:"answer"`
	Retrieval  domain.RetrievalResult `json:"retrieval"`
	Matches    []Match                `json:"matches"`
	Query      decision.Query         `json:"query"`
	Decision   decision.Decision      `json:"decision"`
}

// Published is a copy of the live document's clauses and model.
type Published struct {
	DocumentID string
	Clauses    []domain.Clause
	Model      embedding.Model
	Summary    string
}

type Session struct {
	seg        domain.Segmenter
	fitter     embedding.Fitter
	model      embedding.Model
	embOpts    embedding.Options
	builder    vectorstore.Builder
	summarizer domain.Summarizer
	sentences  int
	defaults   retriever.Options
	retriever  *retriever.Retriever
	resolver   *resolver.Resolver
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu    sync.Mutex
	gen   uint64
	state State
	build *Build

	current  atomic.Pointer[snapshot]
	retiring sync.WaitGroup
}

func NewSession(opts Options) (*Session, error) {
	if opts.Segmenter == nil {
		return nil, fmt.Errorf("service: segmenter is required: %w", domain.ErrInvalidInput)
	}
	if opts.Fitter == nil && opts.Model == nil {
		return nil, fmt.Errorf("service: embedding model or fitter is required: %w", domain.ErrInvalidInput)
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("service: index builder is required: %w", domain.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Embedding.Metrics == nil {
		opts.Embedding.Metrics = opts.Metrics
	}
	return &Session{
		seg:        opts.Segmenter,
		fitter:     opts.Fitter,
		model:      opts.Model,
		embOpts:    opts.Embedding,
		builder:    opts.Index,
		summarizer: opts.Summarizer,
		sentences:  opts.SummarySentences,
		defaults:   opts.Retrieval,
		retriever:  retriever.New(opts.Metrics, logger),
		resolver:   resolver.New(opts.Resolver),
		metrics:    opts.Metrics,
		log:        logger.With("component", "session"),
	}, nil
}

// State reports the progress of the latest ingestion. It is Queryable
// whenever a document is published and no newer build is running.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether questions can be answered.
func (s *Session) Ready() bool { return s.current.Load() != nil }

// Ingest runs a blocking ingestion of doc.
func (s *Session) Ingest(ctx context.Context, doc domain.Document) (Report, error) {
	return s.IngestAsync(ctx, doc).Wait()
}

// IngestAsync starts ingesting doc in the background and cancels any build
// still running. The previous document stays queryable until doc is
// published.
func (s *Session) IngestAsync(ctx context.Context, doc domain.Document) *Build {
	b, gen, bctx := s.begin(ctx)
	go func() {
		defer close(b.done)
		defer b.cancel()
		b.report, b.err = s.run(bctx, gen, doc)
	}()
	return b
}

// Restore publishes clauses that already carry vectors, e.g. from a saved
// snapshot. model must embed questions into the same space.
func (s *Session) Restore(ctx context.Context, documentID string, clauses []domain.Clause, model embedding.Model) (Report, error) {
	b, gen, bctx := s.begin(ctx)
	defer close(b.done)
	defer b.cancel()

	start := time.Now()
	if len(clauses) == 0 {
		return s.fail(gen, domain.StageSegment, fmt.Errorf("restore: no clauses: %w", domain.ErrEmptyInput))
	}
	clauses = slices.Clone(clauses)
	s.advance(gen, StateSegmented)
	s.advance(gen, StateEmbedded)
	adapter := embedding.NewAdapter(model, s.embOpts, s.log)
	b.report, b.err = s.publish(bctx, gen, documentID, clauses, adapter, reconstruct(clauses), start)
	return b.report, b.err
}

// Reset discards the published document and cancels any running build.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.build != nil {
		s.build.cancel()
		s.build = nil
	}
	s.gen++
	s.state = StateEmpty
	old := s.current.Swap(nil)
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	s.log.Info("session reset", "document_id", old.documentID)
	return old.retire()
}

// Close resets the session and waits until retired indexes are released.
func (s *Session) Close() error {
	err := s.Reset()
	s.retiring.Wait()
	return err
}

// Published returns a copy of the live document.
func (s *Session) Published() (Published, error) {
	snap := s.current.Load()
	if snap == nil {
		return Published{}, domain.ErrIndexNotReady
	}
	clauses := make([]domain.Clause, len(snap.clauses))
	copy(clauses, snap.clauses)
	return Published{
		DocumentID: snap.documentID,
		Clauses:    clauses,
		Model:      snap.embedder.Model(),
		Summary:    snap.summary,
	}, nil
}

// Ask answers question against the published document. Zero fields in opts
// fall back to the session defaults.
func (s *Session) Ask(ctx context.Context, question string, opts retriever.Options) (Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = s.defaults.TopK
	}
	if opts.Threshold == nil {
		opts.Threshold = s.defaults.Threshold
	}
	for {
		snap := s.current.Load()
		if snap == nil {
			return Result{}, fmt.Errorf("ask: %w", domain.ErrIndexNotReady)
		}
		if !snap.acquire() {
			continue
		}
		res, err := s.ask(ctx, snap, question, opts)
		snap.release()
		return res, err
	}
}

func (s *Session) ask(ctx context.Context, snap *snapshot, question string, opts retriever.Options) (Result, error) {
	rr, err := s.retriever.Retrieve(ctx, question, snap.embedder, snap.index, opts)
	if err != nil {
		return Result{}, fmt.Errorf("ask: %w", err)
	}
	answer, err := s.resolver.Resolve(rr, snap.clauses)
	if err != nil {
		return Result{}, fmt.Errorf("ask: %w", err)
	}

	matched := make([]domain.Clause, 0, len(rr.Hits))
	matches := make([]Match, 0, len(rr.Hits))
	for _, h := range rr.Hits {
		c, ok := snap.clause(h.ClauseID)
		if !ok {
			continue
		}
		matched = append(matched, c)
		matches = append(matches, Match{Hit: h, Text: c.Text, Span: c.Span})
	}
	parsed := decision.ParseQuery(question)
	return Result{
		DocumentID: snap.documentID,
		Answer:     answer,
		Retrieval:  rr,
		Matches:    matches,
		Query:      parsed,
		Decision:   decision.Decide(parsed, matched),
	}, nil
}

func (s *Session) begin(ctx context.Context) (*Build, uint64, context.Context) {
	bctx, cancel := context.WithCancel(ctx)
	b := &Build{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.build != nil {
		s.build.cancel()
	}
	s.gen++
	gen := s.gen
	s.build = b
	s.state = StateEmpty
	s.mu.Unlock()
	return b, gen, bctx
}

func (s *Session) run(ctx context.Context, gen uint64, doc domain.Document) (Report, error) {
	start := time.Now()
	log := s.log.With("document_id", doc.ID)
	log.Info("ingest started", "blocks", len(doc.Blocks))

	clauses, err := s.seg.Segment(doc)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return s.fail(gen, domain.StageSegment, err)
	}
	s.advance(gen, StateSegmented)
	log.Debug("segmented", "clauses", len(clauses))

	adapter, err := s.embed(ctx, clauses)
	if err != nil {
		return s.fail(gen, domain.StageEmbed, err)
	}
	s.advance(gen, StateEmbedded)
	log.Debug("embedded", "model", adapter.ModelName(), "dimension", adapter.Dimension())

	return s.publish(ctx, gen, doc.ID, clauses, adapter, doc.Content(), start)
}

// embed fills in clause vectors. A fitted model is built from this
// document alone, so each published snapshot owns its vector space.
func (s *Session) embed(ctx context.Context, clauses []domain.Clause) (*embedding.Adapter, error) {
	texts := make([]string, len(clauses))
	for i, c := range clauses {
		texts[i] = c.Text
	}
	model := s.model
	if s.fitter != nil {
		m, err := s.fitter.Fit(texts)
		if err != nil {
			return nil, fmt.Errorf("fit model: %w", err)
		}
		model = m
	}
	adapter := embedding.NewAdapter(model, s.embOpts, s.log)
	vecs, err := adapter.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range clauses {
		clauses[i].Vector = vecs[i]
	}
	return adapter, nil
}

func (s *Session) publish(ctx context.Context, gen uint64, documentID string, clauses []domain.Clause, adapter *embedding.Adapter, text string, start time.Time) (Report, error) {
	idx, err := s.builder.Build(ctx, vectorstore.Entries(clauses))
	if err != nil {
		return s.fail(gen, domain.StageIndex, err)
	}
	s.advance(gen, StateIndexed)

	summary := s.summarize(text)
	snap := newSnapshot(documentID, clauses, adapter, idx, summary)

	s.mu.Lock()
	if gen != s.gen || ctx.Err() != nil {
		s.mu.Unlock()
		if cerr := idx.Close(); cerr != nil {
			s.log.Warn("close unpublished index", "error", cerr)
		}
		err := ctx.Err()
		if gen != s.gen || err == nil {
			err = errSuperseded
		}
		return s.fail(gen, domain.StageIndex, err)
	}
	old := s.current.Swap(snap)
	s.state = StateQueryable
	s.build = nil
	s.mu.Unlock()

	if old != nil {
		s.retiring.Add(1)
		go func() {
			defer s.retiring.Done()
			if err := old.retire(); err != nil {
				s.log.Warn("retire index", "document_id", old.documentID, "error", err)
			}
		}()
	}

	s.metrics.ObserveBuild(metrics.BuildOK, len(clauses))
	report := Report{
		DocumentID: documentID,
		Clauses:    len(clauses),
		Dimension:  idx.Dimension(),
		Model:      adapter.ModelName(),
		Index:      s.builder.Name(),
		Summary:    summary,
		Took:       time.Since(start),
	}
	s.log.Info("document published", "document_id", documentID, "clauses", report.Clauses,
		"dimension", report.Dimension, "index", report.Index, "took", report.Took)
	return report, nil
}

func (s *Session) summarize(text string) string {
	if s.summarizer == nil {
		return ""
	}
	summary, err := s.summarizer.Summarize(text, s.sentences)
	if err != nil {
		s.log.Warn("summary failed", "error", err)
		return ""
	}
	return summary
}

func (s *Session) advance(gen uint64, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.state = st
	}
}

// fail wraps err with its stage and rolls the state back to whatever the
// still-published snapshot allows.
func (s *Session) fail(gen uint64, stage domain.Stage, err error) (Report, error) {
	serr := &domain.StageError{Stage: stage, Err: err}
	result := metrics.BuildFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errSuperseded) {
		result = metrics.BuildCancelled
	}

	s.mu.Lock()
	if gen == s.gen {
		s.build = nil
		s.state = StateEmpty
		if s.current.Load() != nil {
			s.state = StateQueryable
		}
	}
	s.mu.Unlock()

	s.metrics.ObserveBuild(result, 0)
	s.log.Warn("ingest failed", "stage", stage, "result", result, "error", err)
	return Report{}, serr
}

// reconstruct rebuilds document text from clauses by dropping the repeated
// prefix of each one.
func reconstruct(clauses []domain.Clause) string {
	var b strings.Builder
	for i, c := range clauses {
		if i > 0 {
			b.WriteByte(' ')
		}
		r := []rune(c.Text)
		b.WriteString(string(r[min(c.OverlapPrefix, len(r)):]))
	}
	return b.String()
}
