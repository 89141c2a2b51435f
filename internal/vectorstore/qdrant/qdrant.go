// Package qdrant implements an approximate cosine index on a Qdrant server
// reached over gRPC. Every build writes a fresh collection, so an index that
// is being replaced keeps answering queries until it is closed.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/vectorstore"
)

const (
	upsertBatch    = 256
	payloadKey     = "clause_id"
	searchSlack    = 8
	// scoreSlack loosens the server threshold; candidates are rescored
	// exactly before the real threshold applies.
	scoreSlack     = 1e-4
	defaultTimeout = 15 * time.Second
)

// pointIDSpace namespaces point UUIDs derived from clause ids.
var pointIDSpace = uuid.MustParse("6f1c3c64-3b8e-4f0a-9d1e-5a2f8f6f9b10")

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

type Config struct {
	Addr string
	// Collection is the name prefix; each build appends a random suffix.
	Collection string
	Timeout    time.Duration
	// Exact disables HNSW and makes the server scan every point.
	Exact bool
}

// Builder creates one Qdrant collection per Build.
type Builder struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	cfg         Config
	log         *slog.Logger
}

// NewBuilder dials Qdrant at cfg.Addr. The connection is lazy; errors
// surface on the first build.
func NewBuilder(cfg Config, logger *slog.Logger) (*Builder, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", cfg.Addr, err)
	}
	b := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg, logger)
	b.conn = conn
	return b, nil
}

// NewWithClients builds on existing gRPC clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, cfg Config, logger *slog.Logger) *Builder {
	if cfg.Collection == "" {
		cfg.Collection = "policyqa"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{points: points, collections: collections, cfg: cfg, log: logger.With("component", "qdrant")}
}

func (b *Builder) Name() string { return "qdrant" }

// Shutdown closes the gRPC connection. Indexes built earlier stop working.
func (b *Builder) Shutdown() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Build uploads entries into a new collection. On any failure the
// collection is dropped before returning.
func (b *Builder) Build(ctx context.Context, entries []vectorstore.Entry) (vectorstore.Index, error) {
	dim, err := vectorstore.Validate(entries)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s", b.cfg.Collection, uuid.NewString())

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	_, err = b.collections.Create(cctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: create collection %s: %w", name, err)
	}

	idx := &Index{
		points:      b.points,
		collections: b.collections,
		collection:  name,
		dimension:   dim,
		count:       len(entries),
		exact:       b.cfg.Exact,
		timeout:     b.cfg.Timeout,
		byPoint:     make(map[string]string, len(entries)),
		vectors:     make(map[string][]float64, len(entries)),
	}
	if err := b.upsert(ctx, idx, entries); err != nil {
		if derr := idx.Close(); derr != nil {
			b.log.Warn("drop failed collection", "collection", name, "error", derr)
		}
		return nil, err
	}
	b.log.Debug("collection ready", "collection", name, "points", len(entries), "dimension", dim)
	return idx, nil
}

func (b *Builder) upsert(ctx context.Context, idx *Index, entries []vectorstore.Entry) error {
	wait := true
	for start := 0; start < len(entries); start += upsertBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+upsertBatch, len(entries))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, e := range entries[start:end] {
			id := pointID(e.ClauseID)
			idx.byPoint[id] = e.ClauseID
			idx.vectors[e.ClauseID] = embedding.Normalize(e.Vector)
			points = append(points, &pb.PointStruct{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: toFloat32(e.Vector)}},
				},
				Payload: map[string]*pb.Value{
					payloadKey: {Kind: &pb.Value_StringValue{StringValue: e.ClauseID}},
				},
			})
		}
		uctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		_, err := b.points.Upsert(uctx, &pb.UpsertPoints{
			CollectionName: idx.collection,
			Wait:           &wait,
			Points:         points,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
		}
	}
	return nil
}

// Index is one immutable Qdrant collection. It keeps the float64 vectors
// locally so candidate scores match the exact index.
type Index struct {
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dimension   int
	count       int
	exact       bool
	timeout     time.Duration
	byPoint     map[string]string
	vectors     map[string][]float64
}

func (s *Index) Dimension() int { return s.dimension }

func (s *Index) Len() int { return s.count }

// Collection returns the server-side collection name.
func (s *Index) Collection() string { return s.collection }

// Query asks the server for a few extra candidates, rescores them in float64
// and re-ranks them locally so ties and thresholds follow the same rules as
// the exact index.
func (s *Index) Query(ctx context.Context, vector []float64, topK int, threshold *float64) ([]domain.Hit, error) {
	if err := vectorstore.CheckQuery(vector, s.dimension); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         toFloat32(vector),
		Limit:          uint64(min(topK+searchSlack, s.count)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if s.exact {
		exact := true
		req.Params = &pb.SearchParams{Exact: &exact}
	}
	if threshold != nil {
		// Server scores are float32; keep hits that round just below.
		t := float32(*threshold - scoreSlack)
		req.ScoreThreshold = &t
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.points.Search(qctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search %s: %w", s.collection, err)
	}

	q := embedding.Normalize(vector)
	hits := make([]domain.Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		id := r.GetPayload()[payloadKey].GetStringValue()
		if id == "" {
			id = s.byPoint[r.GetId().GetUuid()]
		}
		if id == "" {
			continue
		}
		score := float64(r.GetScore())
		if v, ok := s.vectors[id]; ok {
			score = vectorstore.Similarity(v, q)
		}
		hits = append(hits, domain.Hit{ClauseID: id, Score: score})
	}
	return vectorstore.Rank(hits, topK, threshold), nil
}

// Close drops the collection.
func (s *Index) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection}); err != nil {
		return fmt.Errorf("qdrant: delete collection %s: %w", s.collection, err)
	}
	return nil
}

func pointID(clauseID string) string {
	return uuid.NewSHA1(pointIDSpace, []byte(clauseID)).String()
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
