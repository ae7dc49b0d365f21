package kb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	qdrantLoadedAliasSuffix = "__loaded"
	qdrantScrollPageSize    = 256

	payloadOriginID  = "origin_id"
	payloadSeq       = "seq"
	payloadText      = "text"
	payloadTablePath = "table_path"
)

// QdrantVectorStore keeps one Qdrant collection per collection name with
// Euclid distance. Load publishes the alias "<name>__loaded"; Search and
// FragmentsByOrigin require it.
type QdrantVectorStore struct {
	// Index.EfSearch sets hnsw_ef per search.
	Index IndexParams

	conn        *grpc.ClientConn
	collections qpb.CollectionsClient
	points      qpb.PointsClient
}

var _ VectorStore = (*QdrantVectorStore)(nil)

// DialQdrant connects to a Qdrant gRPC endpoint (usually port 6334) without
// transport security.
func DialQdrant(addr string) (*QdrantVectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	return NewQdrantVectorStore(conn), nil
}

func NewQdrantVectorStore(conn *grpc.ClientConn) *QdrantVectorStore {
	return &QdrantVectorStore{
		Index:       DefaultIndexParams(),
		conn:        conn,
		collections: qpb.NewCollectionsClient(conn),
		points:      qpb.NewPointsClient(conn),
	}
}

func (s *QdrantVectorStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *QdrantVectorStore) exists(ctx context.Context, name string) (bool, error) {
	resp, err := s.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return resp.GetResult().GetExists(), nil
}

func (s *QdrantVectorStore) requireExists(ctx context.Context, name string) error {
	ok, err := s.exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

func (s *QdrantVectorStore) DropCollection(ctx context.Context, name string) error {
	if err := s.requireExists(ctx, name); err != nil {
		return err
	}
	if _, err := s.collections.Delete(ctx, &qpb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

func (s *QdrantVectorStore) CreateCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEmbeddingDimension, dim)
	}
	ok, err := s.exists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("collection %s already exists", name)
	}

	_, err = s.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     uint64(dim),
					Distance: qpb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	_, err = s.points.CreateFieldIndex(ctx, &qpb.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      payloadOriginID,
		FieldType:      qpb.FieldType_FieldTypeInteger.Enum(),
		Wait:           ptrBool(true),
	})
	if err != nil {
		return fmt.Errorf("index %s on %s: %w", payloadOriginID, name, err)
	}
	return nil
}

func (s *QdrantVectorStore) Insert(ctx context.Context, name string, fragments []Fragment) error {
	if len(fragments) == 0 {
		return s.requireExists(ctx, name)
	}
	points := make([]*qpb.PointStruct, 0, len(fragments))
	for _, f := range fragments {
		points = append(points, &qpb.PointStruct{
			Id: &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: uuid.NewString()}},
			Vectors: &qpb.Vectors{
				VectorsOptions: &qpb.Vectors_Vector{
					Vector: &qpb.Vector{Data: f.Embedding},
				},
			},
			Payload: map[string]*qpb.Value{
				payloadOriginID:  {Kind: &qpb.Value_IntegerValue{IntegerValue: f.OriginID}},
				payloadSeq:       {Kind: &qpb.Value_IntegerValue{IntegerValue: int64(f.Seq)}},
				payloadText:      {Kind: &qpb.Value_StringValue{StringValue: f.Text}},
				payloadTablePath: {Kind: &qpb.Value_StringValue{StringValue: f.TablePath}},
			},
		})
	}

	_, err := s.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: name,
		Wait:           ptrBool(true),
		Points:         points,
	})
	if err != nil {
		return mapQdrantError(name, fmt.Errorf("upsert %d points into %s: %w", len(points), name, err))
	}
	return nil
}

// BuildIndex applies the HNSW parameters. Qdrant indexes inserted points on
// its own; Lists has no equivalent and is ignored.
func (s *QdrantVectorStore) BuildIndex(ctx context.Context, name string, params IndexParams) error {
	if err := s.requireExists(ctx, name); err != nil {
		return err
	}
	m := uint64(params.M)
	ef := uint64(params.EfConstruction)
	if m == 0 {
		m = uint64(DefaultIndexParams().M)
	}
	if ef == 0 {
		ef = uint64(DefaultIndexParams().EfConstruction)
	}
	_, err := s.collections.Update(ctx, &qpb.UpdateCollection{
		CollectionName: name,
		HnswConfig:     &qpb.HnswConfigDiff{M: &m, EfConstruct: &ef},
	})
	if err != nil {
		return fmt.Errorf("update hnsw config of %s: %w", name, err)
	}
	return nil
}

func (s *QdrantVectorStore) Load(ctx context.Context, name string) error {
	if err := s.requireExists(ctx, name); err != nil {
		return err
	}
	_, err := s.collections.UpdateAliases(ctx, &qpb.ChangeAliases{
		Actions: []*qpb.AliasOperations{{
			Action: &qpb.AliasOperations_CreateAlias{
				CreateAlias: &qpb.CreateAlias{CollectionName: name, AliasName: name + qdrantLoadedAliasSuffix},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("publish loaded alias for %s: %w", name, err)
	}
	return nil
}

func (s *QdrantVectorStore) requireLoaded(ctx context.Context, name string) error {
	if err := s.requireExists(ctx, name); err != nil {
		return err
	}
	resp, err := s.collections.ListCollectionAliases(ctx, &qpb.ListCollectionAliasesRequest{CollectionName: name})
	if err != nil {
		return fmt.Errorf("list aliases of %s: %w", name, err)
	}
	for _, alias := range resp.GetAliases() {
		if alias.GetAliasName() == name+qdrantLoadedAliasSuffix {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCollectionNotLoaded, name)
}

func (s *QdrantVectorStore) Search(ctx context.Context, name string, vec []float32, limit int) ([]SearchHit, error) {
	if err := s.requireLoaded(ctx, name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []SearchHit{}, nil
	}
	ef := uint64(s.Index.efSearch(limit))
	resp, err := s.points.Search(ctx, &qpb.SearchPoints{
		CollectionName: name,
		Vector:         vec,
		Limit:          uint64(limit),
		Params:         &qpb.SearchParams{HnswEf: &ef},
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, mapQdrantError(name, fmt.Errorf("search %s: %w", name, err))
	}

	hits := make([]SearchHit, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		hits = append(hits, SearchHit{
			OriginID:  payload[payloadOriginID].GetIntegerValue(),
			Seq:       int(payload[payloadSeq].GetIntegerValue()),
			Text:      payload[payloadText].GetStringValue(),
			TablePath: payload[payloadTablePath].GetStringValue(),
			Distance:  float64(p.GetScore()),
		})
	}
	return hits, nil
}

func (s *QdrantVectorStore) FragmentsByOrigin(ctx context.Context, name string, originID int64) ([]Fragment, error) {
	if err := s.requireLoaded(ctx, name); err != nil {
		return nil, err
	}
	filter := &qpb.Filter{
		Must: []*qpb.Condition{{
			ConditionOneOf: &qpb.Condition_Field{
				Field: &qpb.FieldCondition{
					Key:   payloadOriginID,
					Match: &qpb.Match{MatchValue: &qpb.Match_Integer{Integer: originID}},
				},
			},
		}},
	}

	var out []Fragment
	var offset *qpb.PointId
	limit := uint32(qdrantScrollPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &qpb.ScrollPoints{
			CollectionName: name,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, mapQdrantError(name, fmt.Errorf("scroll origin %d in %s: %w", originID, name, err))
		}
		for _, p := range resp.GetResult() {
			payload := p.GetPayload()
			out = append(out, Fragment{
				OriginID:  payload[payloadOriginID].GetIntegerValue(),
				Seq:       int(payload[payloadSeq].GetIntegerValue()),
				Text:      payload[payloadText].GetStringValue(),
				TablePath: payload[payloadTablePath].GetStringValue(),
			})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	return out, nil
}

// Ping checks the connection with a short deadline.
func (s *QdrantVectorStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.collections.List(ctx, &qpb.ListCollectionsRequest{})
	return err
}

// mapQdrantError turns NotFound statuses and dimension errors into package
// sentinels.
func mapQdrantError(name string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch {
	case st.Code() == codes.NotFound:
		return fmt.Errorf("%w: %s: %w", ErrCollectionNotFound, name, err)
	case st.Code() == codes.InvalidArgument && strings.Contains(strings.ToLower(st.Message()), "dimension"):
		return fmt.Errorf("%w: %w", ErrInvalidEmbeddingDimension, err)
	}
	return err
}

func ptrBool(v bool) *bool {
	return &v
}
