// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/docscout/runtime/agent/session"
)

const (
	defaultSessionsCollection = "chat_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session state and history.
type Client interface {
	health.Pinger

	GetOrCreateSession(ctx context.Context, sessionID string, now time.Time) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn session.Turn) error
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	ExpireIdleSessions(ctx context.Context, idleBefore, expireBefore time.Time) (idled, expired int, err error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(sessionsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) GetOrCreateSession(ctx context.Context, sessionID string, now time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if now.IsZero() {
		return session.Session{}, errors.New("now is required")
	}

	existing, err := c.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == session.StatusExpired {
			return session.Session{}, session.ErrSessionExpired
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now = now.UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		// Idempotent insert: concurrent first turns must converge on one
		// session and never modify an existing one. Keeping the update a
		// pure $setOnInsert makes it safe under retries and races.
		"$setOnInsert": bson.M{
			"session_id":     sessionID,
			"status":         session.StatusActive,
			"created_at":     now,
			"last_active_at": now,
			"updated_at":     now,
		},
	}
	if _, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.Update().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}

	out, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusExpired {
		return session.Session{}, session.ErrSessionExpired
	}
	return out, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) AppendTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if turn.ID == "" {
		return errors.New("turn id is required")
	}

	at := turn.EndedAt
	if at.IsZero() {
		at = turn.StartedAt
	}
	if at.IsZero() {
		at = time.Now()
	}

	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"session_id": sessionID,
		"status":     bson.M{"$ne": session.StatusExpired},
	}
	update := bson.M{
		"$push": bson.M{"turns": fromTurn(turn)},
		"$set": bson.M{
			"status":         session.StatusActive,
			"last_active_at": at.UTC(),
			"updated_at":     time.Now().UTC(),
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.classifyMiss(ctx, sessionID)
	}
	return nil
}

func (c *client) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if now.IsZero() {
		return errors.New("now is required")
	}

	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"session_id": sessionID,
		"status":     bson.M{"$ne": session.StatusExpired},
	}
	update := bson.M{
		"$set": bson.M{
			"status":         session.StatusActive,
			"last_active_at": now.UTC(),
			"updated_at":     time.Now().UTC(),
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.classifyMiss(ctx, sessionID)
	}
	return nil
}

func (c *client) ExpireIdleSessions(ctx context.Context, idleBefore, expireBefore time.Time) (idled, expired int, err error) {
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Expire first so the idle pass only sees sessions still worth keeping.
	expireRes, err := c.sessions.UpdateMany(ctx,
		bson.M{
			"status":         bson.M{"$ne": session.StatusExpired},
			"last_active_at": bson.M{"$lt": expireBefore.UTC()},
		},
		bson.M{"$set": bson.M{"status": session.StatusExpired, "updated_at": now}},
	)
	if err != nil {
		return 0, 0, err
	}
	idleRes, err := c.sessions.UpdateMany(ctx,
		bson.M{
			"status":         session.StatusActive,
			"last_active_at": bson.M{"$lt": idleBefore.UTC()},
		},
		bson.M{"$set": bson.M{"status": session.StatusIdle, "updated_at": now}},
	)
	if err != nil {
		return 0, int(expireRes.ModifiedCount), err
	}
	return int(idleRes.ModifiedCount), int(expireRes.ModifiedCount), nil
}

// classifyMiss turns a zero-match guarded update into the right sentinel:
// the session either does not exist or it exists and is expired.
func (c *client) classifyMiss(ctx context.Context, sessionID string) error {
	if _, err := c.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	return session.ErrSessionExpired
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

type sessionDocument struct {
	SessionID    string         `bson:"session_id"`
	Status       session.Status `bson:"status"`
	CreatedAt    time.Time      `bson:"created_at"`
	LastActiveAt time.Time      `bson:"last_active_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
	Turns        []turnDocument `bson:"turns,omitempty"`
}

type turnDocument struct {
	TurnID    string            `bson:"turn_id"`
	Role      session.Role      `bson:"role"`
	Content   string            `bson:"content,omitempty"`
	Attempts  []attemptDocument `bson:"attempts,omitempty"`
	StartedAt time.Time         `bson:"started_at"`
	EndedAt   time.Time         `bson:"ended_at"`
}

type attemptDocument struct {
	Raw      string          `bson:"raw"`
	Tokens   []string        `bson:"tokens,omitempty"`
	Allowed  bool            `bson:"allowed"`
	Reason   string          `bson:"reason,omitempty"`
	Result   *resultDocument `bson:"result,omitempty"`
	At       time.Time       `bson:"at"`
	Duration time.Duration   `bson:"duration,omitempty"`
}

type resultDocument struct {
	Stdout    string        `bson:"stdout,omitempty"`
	Stderr    string        `bson:"stderr,omitempty"`
	ExitCode  int           `bson:"exit_code"`
	Duration  time.Duration `bson:"duration,omitempty"`
	Truncated bool          `bson:"truncated,omitempty"`
}

func (doc sessionDocument) toSession() session.Session {
	turns := make([]session.Turn, 0, len(doc.Turns))
	for _, t := range doc.Turns {
		turns = append(turns, t.toTurn())
	}
	return session.Session{
		ID:           doc.SessionID,
		Status:       doc.Status,
		CreatedAt:    doc.CreatedAt.UTC(),
		LastActiveAt: doc.LastActiveAt.UTC(),
		Turns:        turns,
	}
}

func fromTurn(t session.Turn) turnDocument {
	attempts := make([]attemptDocument, 0, len(t.Attempts))
	for _, a := range t.Attempts {
		attempts = append(attempts, fromAttempt(a))
	}
	if len(attempts) == 0 {
		attempts = nil
	}
	return turnDocument{
		TurnID:    t.ID,
		Role:      t.Role,
		Content:   t.Content,
		Attempts:  attempts,
		StartedAt: t.StartedAt.UTC(),
		EndedAt:   t.EndedAt.UTC(),
	}
}

func (doc turnDocument) toTurn() session.Turn {
	var attempts []session.CommandAttempt
	for _, a := range doc.Attempts {
		attempts = append(attempts, a.toAttempt())
	}
	return session.Turn{
		ID:        doc.TurnID,
		Role:      doc.Role,
		Content:   doc.Content,
		Attempts:  attempts,
		StartedAt: doc.StartedAt.UTC(),
		EndedAt:   doc.EndedAt.UTC(),
	}
}

func fromAttempt(a session.CommandAttempt) attemptDocument {
	var result *resultDocument
	if a.Result != nil {
		result = &resultDocument{
			Stdout:    a.Result.Stdout,
			Stderr:    a.Result.Stderr,
			ExitCode:  a.Result.ExitCode,
			Duration:  a.Result.Duration,
			Truncated: a.Result.Truncated,
		}
	}
	return attemptDocument{
		Raw:      a.Raw,
		Tokens:   a.Tokens,
		Allowed:  a.Allowed,
		Reason:   a.Reason,
		Result:   result,
		At:       a.At.UTC(),
		Duration: a.Duration,
	}
}

func (doc attemptDocument) toAttempt() session.CommandAttempt {
	var result *session.ExecutionResult
	if doc.Result != nil {
		result = &session.ExecutionResult{
			Stdout:    doc.Result.Stdout,
			Stderr:    doc.Result.Stderr,
			ExitCode:  doc.Result.ExitCode,
			Duration:  doc.Result.Duration,
			Truncated: doc.Result.Truncated,
		}
	}
	return session.CommandAttempt{
		Raw:      doc.Raw,
		Tokens:   doc.Tokens,
		Allowed:  doc.Allowed,
		Reason:   doc.Reason,
		Result:   result,
		At:       doc.At.UTC(),
		Duration: doc.Duration,
	}
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	// The sweeper scans by status and activity time.
	sweepIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "last_active_at", Value: 1},
		},
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sweepIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
