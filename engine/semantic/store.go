package semantic

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

// Payload keys stored on every point.
const (
	keyDocumentID = "document_id"
	keyChunkIndex = "chunk_index"
	keyContent    = "content"
)

const scrollPage = 256

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is a ChunkIndex on a Qdrant collection with cosine distance.
// Chunks returned by DocumentChunks carry no embedding.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a VectorStore over pre-built clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection, if any.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection drops the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// InsertChunks implements ChunkIndex. Indexes already present for the
// document reject the whole batch.
func (v *VectorStore) InsertChunks(ctx context.Context, documentID string, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(chunks))
	ids := make([]*pb.PointId, len(chunks))
	for i, c := range chunks {
		if seen[c.Index] {
			return fmt.Errorf("semantic: insert chunk %s#%d: %w", documentID, c.Index, ErrDuplicateChunk)
		}
		seen[c.Index] = true
		ids[i] = pointID(ChunkID(documentID, c.Index))
	}

	existing, err := v.points.Get(ctx, &pb.GetPoints{CollectionName: v.collection, Ids: ids})
	if err != nil {
		return fmt.Errorf("semantic: check existing chunks of %s: %w", documentID, err)
	}
	if len(existing.GetResult()) > 0 {
		return fmt.Errorf("semantic: insert chunks %s: %w", documentID, ErrDuplicateChunk)
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &pb.PointStruct{
			Id: ids[i],
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Embedding}},
			},
			Payload: map[string]*pb.Value{
				keyDocumentID: {Kind: &pb.Value_StringValue{StringValue: documentID}},
				keyChunkIndex: {Kind: &pb.Value_IntegerValue{IntegerValue: int64(c.Index)}},
				keyContent:    {Kind: &pb.Value_StringValue{StringValue: c.Content}},
			},
		}
	}

	wait := true
	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Match implements ChunkIndex.
func (v *VectorStore) Match(ctx context.Context, embedding []float32, k int, documentID string) ([]domain.Match, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(clampK(k)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if documentID != "" {
		req.Filter = documentFilter(documentID)
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	out := make([]domain.Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		p := r.GetPayload()
		out[i] = domain.Match{
			ID:         r.GetId().GetUuid(),
			DocumentID: p[keyDocumentID].GetStringValue(),
			ChunkIndex: int(p[keyChunkIndex].GetIntegerValue()),
			Content:    p[keyContent].GetStringValue(),
			Similarity: float64(r.GetScore()),
		}
	}
	return out, nil
}

// DocumentChunks implements ChunkIndex by scrolling the document's points.
func (v *VectorStore) DocumentChunks(ctx context.Context, documentID string, limit int) ([]domain.Chunk, error) {
	var (
		out    []domain.Chunk
		offset *pb.PointId
	)
	page := uint32(scrollPage)
	for {
		resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: v.collection,
			Filter:         documentFilter(documentID),
			Offset:         offset,
			Limit:          &page,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll %s: %w", documentID, err)
		}
		for _, r := range resp.GetResult() {
			p := r.GetPayload()
			out = append(out, domain.Chunk{
				ID:         r.GetId().GetUuid(),
				DocumentID: documentID,
				ChunkIndex: int(p[keyChunkIndex].GetIntegerValue()),
				Content:    p[keyContent].GetStringValue(),
			})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteChunks implements ChunkIndex.
func (v *VectorStore) DeleteChunks(ctx context.Context, documentID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: documentFilter(documentID)},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func documentFilter(documentID string) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{fieldMatch(keyDocumentID, documentID)}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
