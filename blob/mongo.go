package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
)

const blobCollection = "blobs"

// Mongo stores blobs as single documents keyed by path. Suitable for the
// document sizes this system ingests; objects near the 16 MB document limit
// belong in a dedicated object store behind the same port.
type Mongo struct {
	col     *mongodriver.Collection
	timeout time.Duration
}

var _ Store = (*Mongo)(nil)

type blobDoc struct {
	Path      string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongo returns a Store backed by the blobs collection of the client's
// database.
func NewMongo(c clientsmongo.Client) (*Mongo, error) {
	if c == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Mongo{col: c.Collection(blobCollection), timeout: c.Timeout()}, nil
}

// Get implements Store.
func (m *Mongo) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var doc blobDoc
	err := m.col.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}
	return doc.Data, nil
}

// Put implements Store.
func (m *Mongo) Put(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	doc := blobDoc{Path: path, Data: data, UpdatedAt: time.Now().UTC()}
	_, err := m.col.ReplaceOne(ctx, bson.M{"_id": path}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put blob %q: %w", path, err)
	}
	return nil
}
