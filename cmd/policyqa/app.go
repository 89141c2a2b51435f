package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"policyqa/internal/chunker"
	"policyqa/internal/config"
	"policyqa/internal/embedding"
	"policyqa/internal/embedding/openai"
	"policyqa/internal/embedding/tfidf"
	"policyqa/internal/loader"
	"policyqa/internal/metrics"
	"policyqa/internal/resolver"
	"policyqa/internal/retriever"
	"policyqa/internal/service"
	"policyqa/internal/snapshot"
	"policyqa/internal/summarizer"
	"policyqa/internal/vectorstore"
	"policyqa/internal/vectorstore/memory"
	"policyqa/internal/vectorstore/qdrant"
)

// app holds everything a command needs, wired from config.
type app struct {
	cfg     *config.AppConfig
	log     *slog.Logger
	model   embedding.Model
	session *service.Session
	closers []func() error
}

func setup(logOut io.Writer) (*app, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, log: newLogger(logOut, cfg.Log.Level)}
	m, err := a.startMetrics()
	if err != nil {
		return nil, err
	}

	opts := service.Options{
		Segmenter: chunker.NewSentenceChunker(cfg.Segmenter.MaxClauseChars, cfg.Segmenter.OverlapChars),
		Embedding: embedding.Options{
			BatchSize:    cfg.Embedder.BatchSize,
			Workers:      cfg.Embedder.Workers,
			MaxRetries:   retryBudget(*cfg.Embedder.MaxRetries),
			Normalize:    *cfg.Embedder.Normalize,
			DisableCache: !*cfg.Embedder.Cache,
		},
		Summarizer:       summarizer.NewFrequencySummarizer(),
		SummarySentences: cfg.Summarizer.MaxSentences,
		Retrieval:        retriever.Options{TopK: cfg.Retrieval.TopK, Threshold: cfg.Retrieval.Threshold},
		Resolver:         resolver.Options{MergeTop: cfg.Retrieval.MergeTop},
		Metrics:          m,
		Logger:           a.log,
	}

	switch cfg.Embedder.Type {
	case "tfidf":
		opts.Fitter = tfidf.NewEmbedder()
	case "openai":
		o := cfg.Embedder.OpenAI
		timeout := time.Duration(o.TimeoutSecs) * time.Second
		client, err := openai.NewClient(openai.Config{
			BaseURL:           o.BaseURL,
			APIKeyEnv:         o.APIKeyEnv,
			Model:             o.Model,
			Timeout:           timeout,
			RequestsPerSecond: o.RequestsPerSecond,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		opts.Model = client
		opts.Embedding.CallTimeout = timeout
		a.model = client
	}

	builder, err := a.indexBuilder()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts.Index = builder

	a.session, err = service.NewSession(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) indexBuilder() (vectorstore.Builder, error) {
	if a.cfg.Index.Type != "qdrant" {
		return memory.NewBuilder(), nil
	}
	q := a.cfg.Index.Qdrant
	b, err := qdrant.NewBuilder(qdrant.Config{
		Addr:       q.Addr,
		Collection: q.Collection,
		Timeout:    time.Duration(q.TimeoutSecs) * time.Second,
		Exact:      q.Exact,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, b.Shutdown)
	return b, nil
}

func (a *app) startMetrics() (*metrics.Metrics, error) {
	addr := metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return m, nil
}

// Close releases the session first, then the transports it used.
func (a *app) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Warn("close session", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("shutdown", "error", err)
		}
	}
}

func (a *app) ingestFile(ctx context.Context, path string) (service.Report, error) {
	doc, err := loader.Load(path)
	if err != nil {
		return service.Report{}, err
	}
	return a.session.Ingest(ctx, doc)
}

// restore publishes a saved snapshot. Questions must be embedded in the
// snapshot's space: a stored vocabulary rebuilds the local model, otherwise
// the configured remote model has to match by name.
func (a *app) restore(ctx context.Context, path string) (service.Report, error) {
	data, err := snapshot.Load(ctx, path)
	if err != nil {
		return service.Report{}, err
	}
	var model embedding.Model
	switch {
	case data.Vocabulary != nil:
		model, err = tfidf.FromVocabulary(data.Vocabulary.Terms, data.Vocabulary.IDF)
		if err != nil {
			return service.Report{}, fmt.Errorf("snapshot vocabulary: %w", err)
		}
	case a.model != nil && a.model.Name() == data.Model:
		model = a.model
	default:
		return service.Report{}, fmt.Errorf("snapshot was embedded with %q, which the configured embedder cannot reproduce", data.Model)
	}
	return a.session.Restore(ctx, data.DocumentID, data.Clauses, model)
}

func (a *app) export(ctx context.Context, path string) error {
	pub, err := a.session.Published()
	if err != nil {
		return err
	}
	data := snapshot.Data{
		DocumentID: pub.DocumentID,
		Model:      pub.Model.Name(),
		Clauses:    pub.Clauses,
	}
	if m, ok := pub.Model.(*tfidf.Model); ok {
		data.Vocabulary = &snapshot.Vocabulary{Terms: m.Terms(), IDF: m.IDF()}
	}
	return snapshot.Save(ctx, path, data)
}

// retryBudget maps config's max_retries, where 0 means none, to the
// adapter's convention.
func retryBudget(n int) int {
	if n == 0 {
		return embedding.NoRetries
	}
	return n
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func stderrUnlessQuiet(quiet bool) io.Writer {
	if quiet && !verbose {
		return io.Discard
	}
	return os.Stderr
}
