// Package mongo implements the low-level MongoDB client used by the switch
// log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
)

type (
	// Client exposes Mongo-backed operations for the switch audit log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *switchlog.Entry) error
		List(ctx context.Context, callID string) ([]switchlog.Entry, error)
		Count(ctx context.Context, callID string) (int, error)
		// ListRange returns entries for the call whose timestamp falls in
		// [from, to), in append order. A zero bound is open.
		ListRange(ctx context.Context, callID string, from, to time.Time) ([]switchlog.Entry, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	entryDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		CallID    string        `bson:"call_id"`
		Direction string        `bson:"direction"`
		Reason    string        `bson:"reason,omitempty"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "call_switch_entries"
	defaultTimeout    = 5 * time.Second
	clientName        = "switchlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *switchlog.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.CallID == "" {
		return errors.New("call id is required")
	}
	if e.Direction == "" {
		return errors.New("direction is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := entryDocument{
		CallID:    e.CallID,
		Direction: string(e.Direction),
		Reason:    e.Reason,
		Timestamp: e.Timestamp.UTC(),
	}
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, callID string) ([]switchlog.Entry, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	return c.find(ctx, bson.M{"call_id": callID})
}

func (c *client) Count(ctx context.Context, callID string) (int, error) {
	if callID == "" {
		return 0, errors.New("call id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.coll.CountDocuments(ctx, bson.M{"call_id": callID})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *client) ListRange(ctx context.Context, callID string, from, to time.Time) ([]switchlog.Entry, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	filter := bson.M{"call_id": callID}
	window := bson.M{}
	if !from.IsZero() {
		window["$gte"] = from.UTC()
	}
	if !to.IsZero() {
		window["$lt"] = to.UTC()
	}
	if len(window) > 0 {
		filter["timestamp"] = window
	}
	return c.find(ctx, filter)
}

// find runs a filtered query sorted by insertion order.
func (c *client) find(ctx context.Context, filter bson.M) (entries []switchlog.Entry, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, switchlog.Entry{
			ID:        doc.ID.Hex(),
			CallID:    doc.CallID,
			Direction: call.Direction(doc.Direction),
			Reason:    doc.Reason,
			Timestamp: doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "call_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
