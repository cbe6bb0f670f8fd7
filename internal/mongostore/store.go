package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is a thin wrapper around one Mongo database connection, scoped to
// the router's own needs: running a find for polling sources and opening
// a change stream for reactive sources.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials mongoURL and pings the deployment before returning, so
// startup fails fast if mongo_url is unreachable (SPEC_FULL.md §7).
func Connect(ctx context.Context, mongoURL string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	cs, err := mongo.ParseConnString(mongoURL)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: parse mongo_url: %w", err)
	}
	return &Store{client: client, db: client.Database(cs.Database)}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the Mongo deployment is currently reachable, for
// the /readyz handler.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// FindOptions mirrors the subset of a CursorDescription's options this
// store executes server-side.
type FindOptions struct {
	Projection map[string]interface{}
	Sort       bson.D
	Skip       int64
	Limit      int64
}

// Find runs filter against collection and returns every matching document
// decoded to EJSON form, for a polling source's periodic snapshot.
func (s *Store) Find(ctx context.Context, collection string, filter map[string]interface{}, opts FindOptions) ([]map[string]interface{}, error) {
	bsonFilter, err := ToBSON(filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: convert filter: %w", err)
	}
	findOpts := options.Find()
	if len(opts.Projection) > 0 {
		proj, err := ToBSON(opts.Projection)
		if err != nil {
			return nil, fmt.Errorf("mongostore: convert projection: %w", err)
		}
		findOpts.SetProjection(proj)
	}
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cur, err := s.db.Collection(collection).Find(ctx, bsonFilter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []map[string]interface{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongostore: decode document: %w", err)
		}
		doc, err := fromBSONMap(raw)
		if err != nil {
			return nil, fmt.Errorf("mongostore: convert document: %w", err)
		}
		out = append(out, doc.(map[string]interface{}))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: cursor: %w", err)
	}
	return out, nil
}

// ChangeEvent is one decoded change-stream event.
type ChangeEvent struct {
	OperationType string
	DocumentID    string
	FullDocument  map[string]interface{} // nil for delete events
}

// ChangeStream wraps a live Mongo change stream cursor.
type ChangeStream struct {
	cursor *mongo.ChangeStream
}

// Watch opens a change stream on collection, optionally filtered
// server-side by matchFilter (the selector's top-level equality
// predicates, translated to a $match stage against
// fullDocument.<field>). matchFilter may be nil for an unfiltered stream.
func (s *Store) Watch(ctx context.Context, collection string, matchFilter map[string]interface{}) (*ChangeStream, error) {
	pipeline := mongo.Pipeline{}
	if len(matchFilter) > 0 {
		bsonFilter, err := ToBSON(matchFilter)
		if err != nil {
			return nil, fmt.Errorf("mongostore: convert match filter: %w", err)
		}
		match := bson.D{}
		for k, v := range bsonFilter.(bson.M) {
			match = append(match, bson.E{Key: "fullDocument." + k, Value: v})
		}
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cur, err := s.db.Collection(collection).Watch(ctx, pipeline, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: watch: %w", err)
	}
	return &ChangeStream{cursor: cur}, nil
}

// Next blocks until the next change event is available, ctx is canceled,
// or the stream errors out.
func (cs *ChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	if !cs.cursor.Next(ctx) {
		if err := cs.cursor.Err(); err != nil {
			return nil, fmt.Errorf("mongostore: change stream: %w", err)
		}
		return nil, fmt.Errorf("mongostore: change stream closed")
	}
	var raw bson.M
	if err := cs.cursor.Decode(&raw); err != nil {
		return nil, fmt.Errorf("mongostore: decode change event: %w", err)
	}

	opType, _ := raw["operationType"].(string)
	ev := &ChangeEvent{OperationType: opType}

	if docKey, ok := raw["documentKey"].(bson.M); ok {
		idVal, err := FromBSON(docKey["_id"])
		if err != nil {
			return nil, err
		}
		id, err := DocumentID(map[string]interface{}{"_id": idVal})
		if err != nil {
			return nil, err
		}
		ev.DocumentID = id
	}

	if full, ok := raw["fullDocument"].(bson.M); ok {
		doc, err := fromBSONMap(full)
		if err != nil {
			return nil, err
		}
		ev.FullDocument = doc.(map[string]interface{})
	}
	return ev, nil
}

// Close closes the underlying change stream cursor.
func (cs *ChangeStream) Close(ctx context.Context) error {
	return cs.cursor.Close(ctx)
}
