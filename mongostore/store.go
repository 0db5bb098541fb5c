// Package mongostore implements pollqueue.Store with MongoDB.
//
// Every job is one document of a collection.
// Claims and conditional updates use FindOneAndUpdate
// which is atomic for a single document, so any number of
// processes can share a collection without claiming a job twice.
// A partial unique index on key allows at most one waiting job per key.
//
// MongoDB stores times with millisecond precision.
package mongostore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/domonda/go-errs"
	"github.com/domonda/go-types/uu"
	rootlog "github.com/domonda/golog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/domonda/go-pollqueue"
)

var log = rootlog.NewPackageLogger()

var _ pollqueue.Store = new(Store)

// Store implements pollqueue.Store with a MongoDB collection.
type Store struct {
	uri            string
	databaseName   string
	collectionName string

	mtx        sync.Mutex
	client     *mongo.Client // Connected by Connect if uri is not empty
	collection *mongo.Collection
	connected  bool
}

// New returns a disconnected Store for the collection
// of the database at the MongoDB uri.
func New(uri, database, collection string) (*Store, error) {
	if uri == "" {
		return nil, errs.Errorf("%w: empty MongoDB URI", pollqueue.ErrConfiguration)
	}
	if database == "" || collection == "" {
		return nil, errs.Errorf("%w: MongoDB database and collection are required", pollqueue.ErrConfiguration)
	}
	return &Store{uri: uri, databaseName: database, collectionName: collection}, nil
}

// NewWithCollection returns a disconnected Store using collection
// of a client that is managed by the caller.
// Close will not disconnect the client.
func NewWithCollection(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Collection returns the collection of the jobs
// or nil if the Store was never connected.
func (s *Store) Collection() *mongo.Collection {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.collection
}

// Connect connects the client if the Store was created with New
// and creates the indexes of the collection.
func (s *Store) Connect(ctx context.Context) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.connected {
		return nil
	}
	if s.uri != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(s.uri))
		if err != nil {
			return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
		}
		err = client.Ping(ctx, nil)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
		}
		s.client = client
		s.collection = client.Database(s.databaseName).Collection(s.collectionName)
	}

	_, err = s.collection.Indexes().CreateMany(ctx, indexes())
	if err != nil {
		return errs.Errorf("%w: can't create indexes: %w", pollqueue.ErrStoreUnavailable, err)
	}
	s.connected = true
	log.Info("Connected job store").
		Str("collection", s.collection.Name()).
		Log()
	return nil
}

func indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		// At most one waiting job per key
		{
			Keys: bson.D{{Key: "key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "status", Value: string(pollqueue.StatusWaiting)},
					{Key: "key", Value: bson.M{"$exists": true}},
				}),
		},
		// Claim
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "priority", Value: 1},
			{Key: "created_on", Value: 1},
		}},
		{Keys: bson.D{{Key: "group_key", Value: 1}}},
	}
}

// Close disconnects the client if it was connected by Connect.
func (s *Store) Close() (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	if s.client != nil {
		err = s.client.Disconnect(context.Background())
		s.client = nil
		s.collection = nil
	}
	return err
}

// coll returns the collection or ErrStoreUnavailable.
func (s *Store) coll() (*mongo.Collection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.connected {
		return nil, pollqueue.ErrStoreUnavailable
	}
	return s.collection, nil
}

func (s *Store) Insert(ctx context.Context, job *pollqueue.Job) (stored *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, job)

	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	m := toModel(job)
	if job.ID.IsNil() {
		m.ID = uu.IDv4().String()
	}
	_, err = coll.InsertOne(ctx, m)
	if err != nil {
		return nil, storeError(err)
	}
	return fromModel(m)
}

// Upsert uses FindOneAndUpdate with upsert.
// A duplicate key error of a concurrent upsert
// for the same waiting key is retried once.
func (s *Store) Upsert(ctx context.Context, match pollqueue.Filter, job *pollqueue.Job) (stored *pollqueue.Job, inserted bool, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, match, job)

	coll, err := s.coll()
	if err != nil {
		return nil, false, err
	}

	m := toModel(job)
	if job.ID.IsNil() {
		m.ID = uu.IDv4().String()
	}
	setOnInsert := bson.M{
		"_id":         m.ID,
		"created_on":  m.CreatedOn,
		"status":      m.Status,
		"start_time":  m.StartTime,
		"end_time":    m.EndTime,
		"duration":    m.Duration,
		"retry_count": m.RetryCount,
		"error":       m.Error,
		"result":      m.Result,
	}
	if m.Key != "" {
		setOnInsert["key"] = m.Key
	}
	update := bson.M{
		"$set": bson.M{
			"name":      m.Name,
			"payload":   m.Payload,
			"priority":  m.Priority,
			"group_key": m.GroupKey,
			"run_after": m.RunAfter,
		},
		"$setOnInsert": setOnInsert,
	}
	opts := options.FindOneAndUpdate().
		SetSort(queueOrder).
		SetUpsert(true).
		SetReturnDocument(options.After)

	for attempt := 0; ; attempt++ {
		var result jobModel
		err = coll.FindOneAndUpdate(ctx, filterDoc(match), update, opts).Decode(&result)
		if mongo.IsDuplicateKeyError(err) && attempt == 0 {
			log.Debug("Retrying job upsert after duplicate key").
				Str("job", m.Name).
				Str("key", m.Key).
				Log()
			continue
		}
		if err != nil {
			return nil, false, storeError(err)
		}
		stored, err = fromModel(&result)
		if err != nil {
			return nil, false, err
		}
		return stored, result.ID == m.ID, nil
	}
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time, names []string) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, now, names)

	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	filter := bson.D{
		{Key: "status", Value: string(pollqueue.StatusWaiting)},
		{Key: "start_time", Value: nil},
		{Key: "run_after", Value: bson.M{"$lte": now}},
		{Key: "name", Value: bson.M{"$in": names}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(pollqueue.StatusProcessing),
			"start_time": now,
		},
	}
	return s.findOneAndUpdate(ctx, coll, filter, update)
}

func (s *Store) UpdateOne(ctx context.Context, filter pollqueue.Filter, update pollqueue.Update) (job *pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter, update)

	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	return s.findOneAndUpdate(ctx, coll, filterDoc(filter), updateDoc(update))
}

// findOneAndUpdate updates the first document in queue order
// and returns it after the update or nil if none matched.
func (*Store) findOneAndUpdate(ctx context.Context, coll *mongo.Collection, filter, update any) (*pollqueue.Job, error) {
	opts := options.FindOneAndUpdate().
		SetSort(queueOrder).
		SetReturnDocument(options.After)

	var m jobModel
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return fromModel(&m)
}

func (s *Store) Find(ctx context.Context, filter pollqueue.Filter) (jobs []*pollqueue.Job, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Find(ctx, filterDoc(filter), options.Find().SetSort(queueOrder))
	if err != nil {
		return nil, storeError(err)
	}
	var models []jobModel
	err = cursor.All(ctx, &models)
	if err != nil {
		return nil, storeError(err)
	}
	jobs = make([]*pollqueue.Job, len(models))
	for i := range models {
		jobs[i], err = fromModel(&models[i])
		if err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) Count(ctx context.Context, filter pollqueue.Filter) (count int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	coll, err := s.coll()
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, filterDoc(filter))
	if err != nil {
		return 0, storeError(err)
	}
	return int(n), nil
}

func (s *Store) CountByStatus(ctx context.Context, filter pollqueue.Filter) (counts map[pollqueue.Status]int, err error) {
	defer errs.WrapWithFuncParams(&err, ctx, filter)

	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filterDoc(filter)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storeError(err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	err = cursor.All(ctx, &rows)
	if err != nil {
		return nil, storeError(err)
	}
	counts = make(map[pollqueue.Status]int, len(rows))
	for _, row := range rows {
		counts[pollqueue.Status(row.Status)] = row.Count
	}
	return counts, nil
}

// storeError marks a driver error as pollqueue.ErrStoreUnavailable.
func storeError(err error) error {
	if err == nil || errors.Is(err, pollqueue.ErrStoreUnavailable) {
		return err
	}
	return errs.Errorf("%w: %w", pollqueue.ErrStoreUnavailable, err)
}
