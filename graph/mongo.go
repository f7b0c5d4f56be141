package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
)

const (
	nodeCollection = "graph_nodes"
	edgeCollection = "graph_edges"
)

// Mongo implements Store on two collections keyed by node/edge ID, which is
// what makes Merge a plain replace-upsert.
type Mongo struct {
	nodes   *mongodriver.Collection
	edges   *mongodriver.Collection
	timeout time.Duration
}

var _ Store = (*Mongo)(nil)

type nodeDoc struct {
	ID         string         `bson:"_id"`
	Label      string         `bson:"label,omitempty"`
	Properties map[string]any `bson:"properties,omitempty"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

type edgeDoc struct {
	ID         string         `bson:"_id"`
	From       string         `bson:"from"`
	To         string         `bson:"to"`
	Type       string         `bson:"type,omitempty"`
	Properties map[string]any `bson:"properties,omitempty"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

// NewMongo returns a Store backed by the graph_nodes and graph_edges
// collections of the client's database.
func NewMongo(ctx context.Context, c clientsmongo.Client) (*Mongo, error) {
	if c == nil {
		return nil, errors.New("mongo client is required")
	}
	m := &Mongo{
		nodes:   c.Collection(nodeCollection),
		edges:   c.Collection(edgeCollection),
		timeout: c.Timeout(),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.edges.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}}},
		{Keys: bson.D{{Key: "to", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create graph indexes: %w", err)
	}
	return nil
}

// Merge implements Store.
func (m *Mongo) Merge(ctx context.Context, mut Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	now := time.Now().UTC()

	if len(mut.Nodes) > 0 {
		models := make([]mongodriver.WriteModel, 0, len(mut.Nodes))
		for _, n := range mut.Nodes {
			doc := nodeDoc{ID: n.ID, Label: n.Label, Properties: n.Properties, UpdatedAt: now}
			models = append(models, mongodriver.NewReplaceOneModel().
				SetFilter(bson.M{"_id": n.ID}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		if _, err := m.nodes.BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("merge nodes: %w", err)
		}
	}
	if len(mut.Edges) > 0 {
		models := make([]mongodriver.WriteModel, 0, len(mut.Edges))
		for _, e := range mut.Edges {
			doc := edgeDoc{ID: e.ID, From: e.From, To: e.To, Type: e.Type, Properties: e.Properties, UpdatedAt: now}
			models = append(models, mongodriver.NewReplaceOneModel().
				SetFilter(bson.M{"_id": e.ID}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		if _, err := m.edges.BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("merge edges: %w", err)
		}
	}
	return nil
}

// Neighbors implements Store.
func (m *Mongo) Neighbors(ctx context.Context, nodeID string, opts NeighborOptions) ([]Neighbor, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultNeighborLimit
	}
	filter := bson.M{"$or": bson.A{bson.M{"from": nodeID}, bson.M{"to": nodeID}}}
	if opts.EdgeType != "" {
		filter["type"] = opts.EdgeType
	}
	cur, err := m.edges.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("find edges: %w", err)
	}
	var edocs []edgeDoc
	if err := cur.All(ctx, &edocs); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	if len(edocs) == 0 {
		return nil, nil
	}

	otherIDs := make([]string, 0, len(edocs))
	for _, e := range edocs {
		other := e.To
		if other == nodeID {
			other = e.From
		}
		otherIDs = append(otherIDs, other)
	}
	cur, err = m.nodes.Find(ctx, bson.M{"_id": bson.M{"$in": otherIDs}})
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	var ndocs []nodeDoc
	if err := cur.All(ctx, &ndocs); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	byID := make(map[string]nodeDoc, len(ndocs))
	for _, n := range ndocs {
		byID[n.ID] = n
	}

	out := make([]Neighbor, 0, len(edocs))
	for i, e := range edocs {
		n, ok := byID[otherIDs[i]]
		if !ok {
			// Dangling edge; skip rather than fabricate a node.
			continue
		}
		out = append(out, Neighbor{
			Node: Node{ID: n.ID, Label: n.Label, Properties: decodeProps(n.Properties)},
			Edge: Edge{ID: e.ID, From: e.From, To: e.To, Type: e.Type, Properties: decodeProps(e.Properties)},
		})
	}
	return out, nil
}

// RemoveByProperty implements Store.
func (m *Mongo) RemoveByProperty(ctx context.Context, key string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	propKey := "properties." + key
	cur, err := m.nodes.Find(ctx, bson.M{propKey: value},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("find nodes by property: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return fmt.Errorf("decode node ids: %w", err)
	}

	edgeFilter := bson.A{bson.M{propKey: value}}
	if len(ids) > 0 {
		nodeIDs := make([]string, len(ids))
		for i, d := range ids {
			nodeIDs[i] = d.ID
		}
		if _, err := m.nodes.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": nodeIDs}}); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		edgeFilter = append(edgeFilter,
			bson.M{"from": bson.M{"$in": nodeIDs}},
			bson.M{"to": bson.M{"$in": nodeIDs}})
	}
	if _, err := m.edges.DeleteMany(ctx, bson.M{"$or": edgeFilter}); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	return nil
}

// decodeProps converts BSON scalar types back to their Go equivalents.
func decodeProps(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch tv := v.(type) {
		case primitive.DateTime:
			out[k] = tv.Time().UTC()
		case primitive.A:
			out[k] = []any(tv)
		default:
			out[k] = v
		}
	}
	return out
}
