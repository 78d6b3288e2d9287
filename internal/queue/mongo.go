package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"cmdsched/internal/domain"
)

type recordDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	Timestamp int64         `bson:"timestamp"`
	Command   []byte        `bson:"command"`
	State     string        `bson:"state"`
	ClaimedAt int64         `bson:"claimed_at"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (d recordDoc) record() domain.Record {
	return domain.Record{
		ID:        d.ID.Hex(),
		Timestamp: d.Timestamp,
		Command:   d.Command,
		State:     domain.FiniteState(d.State),
		ClaimedAt: d.ClaimedAt,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// Mongo stores one document per record. Ids are ObjectIDs assigned at insert.
type Mongo struct {
	client *mongo.Client // nil when the caller owns the client
	col    *mongo.Collection
}

// OpenMongo connects to cfg.URI and creates the collection indexes.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("queue: mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "cmdsched"
	}
	if cfg.Collection == "" {
		cfg.Collection = "scheduled_commands"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("queue: mongo connect: %w", err)
	}
	m := NewMongo(client.Database(cfg.Database).Collection(cfg.Collection))
	m.client = client
	if err := m.Migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// NewMongo wraps an existing collection. The caller owns the client.
func NewMongo(col *mongo.Collection) *Mongo {
	return &Mongo{col: col}
}

// Collection returns the underlying collection.
func (m *Mongo) Collection() *mongo.Collection { return m.col }

// Migrate creates the due and stale-claim indexes.
func (m *Mongo) Migrate(ctx context.Context) error {
	_, err := m.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "claimed_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("queue: mongo migrate indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Insert(ctx context.Context, rec domain.Record) (string, error) {
	if rec.State == "" {
		rec.State = domain.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	doc := recordDoc{
		ID:        bson.NewObjectID(),
		Timestamp: rec.Timestamp,
		Command:   rec.Command,
		State:     string(rec.State),
		ClaimedAt: rec.ClaimedAt,
		CreatedAt: rec.CreatedAt,
	}
	if _, err := m.col.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("queue: mongo insert: %w", err)
	}
	return doc.ID.Hex(), nil
}

func (m *Mongo) FindDue(ctx context.Context, now int64) ([]domain.Record, error) {
	filter := bson.M{
		"state":     string(domain.StatePending),
		"timestamp": bson.M{"$lte": now},
	}
	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
}

func (m *Mongo) Remove(ctx context.Context, id string) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err := m.col.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, fmt.Errorf("queue: mongo remove: %w", err)
	}
	return res.DeletedCount == 1, nil
}

func (m *Mongo) CompareAndSwap(ctx context.Context, id string, expect domain.Version, next Update) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	filter := bson.M{
		"_id":        oid,
		"state":      string(expect.State),
		"claimed_at": expect.ClaimedAt,
	}
	update := bson.M{"$set": bson.M{
		"state":      string(next.State),
		"claimed_at": next.ClaimedAt,
		"command":    next.Command,
	}}
	res, err := m.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("queue: mongo compare and swap: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (m *Mongo) DeleteVersion(ctx context.Context, id string, expect domain.Version) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err := m.col.DeleteOne(ctx, bson.M{
		"_id":        oid,
		"state":      string(expect.State),
		"claimed_at": expect.ClaimedAt,
	})
	if err != nil {
		return false, fmt.Errorf("queue: mongo delete version: %w", err)
	}
	return res.DeletedCount == 1, nil
}

func (m *Mongo) FindStale(ctx context.Context, cutoff int64) ([]domain.Record, error) {
	filter := bson.M{
		"state":      string(domain.StateExecuting),
		"claimed_at": bson.M{"$lt": cutoff},
	}
	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "claimed_at", Value: 1}}))
}

func (m *Mongo) Get(ctx context.Context, id string) (domain.Record, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return domain.Record{}, ErrNotFound
	}
	var doc recordDoc
	if err := m.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Record{}, ErrNotFound
		}
		return domain.Record{}, fmt.Errorf("queue: mongo get: %w", err)
	}
	return doc.record(), nil
}

func (m *Mongo) Delete(ctx context.Context, id string) error {
	ok, err := m.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) List(ctx context.Context, limit int) ([]domain.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return m.find(ctx, bson.M{}, opts)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.col.Database().Client().Ping(ctx, nil)
}

// Close disconnects the client when OpenMongo created it.
func (m *Mongo) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]domain.Record, error) {
	cursor, err := m.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("queue: mongo find: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []recordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("queue: mongo decode: %w", err)
	}
	recs := make([]domain.Record, 0, len(docs))
	for _, d := range docs {
		recs = append(recs, d.record())
	}
	return recs, nil
}
