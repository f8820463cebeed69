// Package mongo hosts the MongoDB client used by the audit store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/docscout/runtime/agent/audit"
)

const (
	defaultRecordsCollection = "audit_records"
	defaultOpTimeout         = 5 * time.Second
	auditClientName          = "audit-mongo"
)

// Client exposes Mongo-backed operations for the audit trail.
type Client interface {
	health.Pinger

	AppendRecord(ctx context.Context, r *audit.Record) error
	ListRecords(ctx context.Context, sessionID string, cursor string, limit int) (audit.Page, error)
}

// Options configures the Mongo audit client.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	RecordsCollection string
	Timeout           time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	records collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	recordsCollection := opts.RecordsCollection
	if recordsCollection == "" {
		recordsCollection = defaultRecordsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(recordsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return auditClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendRecord(ctx context.Context, r *audit.Record) error {
	if r == nil {
		return errors.New("record is required")
	}
	if r.SessionID == "" {
		return errors.New("session id is required")
	}

	// ObjectIDs are time-ordered, which makes _id double as the pagination
	// cursor within a session.
	oid := primitive.NewObjectID()
	doc := fromRecord(oid, r)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.records.InsertOne(ctx, doc); err != nil {
		return err
	}
	r.ID = oid.Hex()
	return nil
}

func (c *client) ListRecords(ctx context.Context, sessionID string, cursor string, limit int) (audit.Page, error) {
	if sessionID == "" {
		return audit.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return audit.Page{}, errors.New("limit must be positive")
	}

	filter := bson.M{"session_id": sessionID}
	if cursor != "" {
		oid, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return audit.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// Fetch one extra record to learn whether another page exists.
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1))
	cur, err := c.records.Find(ctx, filter, opts)
	if err != nil {
		return audit.Page{}, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var records []*audit.Record
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return audit.Page{}, err
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return audit.Page{}, err
	}

	page := audit.Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.NextCursor = records[limit-1].ID
	}
	return page, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type recordDocument struct {
	ID         primitive.ObjectID `bson:"_id"`
	SessionID  string             `bson:"session_id"`
	TurnID     string             `bson:"turn_id,omitempty"`
	Command    string             `bson:"command"`
	Allowed    bool               `bson:"allowed"`
	Reason     string             `bson:"reason,omitempty"`
	ExitCode   *int               `bson:"exit_code,omitempty"`
	Duration   time.Duration      `bson:"duration,omitempty"`
	OutputSize int                `bson:"output_size,omitempty"`
	Timestamp  time.Time          `bson:"timestamp"`
}

func fromRecord(oid primitive.ObjectID, r *audit.Record) recordDocument {
	return recordDocument{
		ID:         oid,
		SessionID:  r.SessionID,
		TurnID:     r.TurnID,
		Command:    r.Command,
		Allowed:    r.Allowed,
		Reason:     r.Reason,
		ExitCode:   r.ExitCode,
		Duration:   r.Duration,
		OutputSize: r.OutputSize,
		Timestamp:  r.Timestamp.UTC(),
	}
}

func (doc recordDocument) toRecord() *audit.Record {
	return &audit.Record{
		ID:         doc.ID.Hex(),
		SessionID:  doc.SessionID,
		TurnID:     doc.TurnID,
		Command:    doc.Command,
		Allowed:    doc.Allowed,
		Reason:     doc.Reason,
		ExitCode:   doc.ExitCode,
		Duration:   doc.Duration,
		OutputSize: doc.OutputSize,
		Timestamp:  doc.Timestamp.UTC(),
	}
}

func ensureIndexes(ctx context.Context, recordsColl collection) error {
	// List scans by session and pages on _id.
	pageIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	if _, err := recordsColl.Indexes().CreateOne(ctx, pageIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, recordsColl collection, timeout time.Duration) (*client, error) {
	if recordsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		records: recordsColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any,
		opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
