package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore is the primary store on MongoDB. Collections map one to one and
// the document ID is stored in _id.
//
// Transactions and atomic batches use multi-document transactions, so the
// deployment must be a replica set or sharded cluster.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ Store = (*MongoStore)(nil)

// OpenMongo connects to uri and uses the named database.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("uri cannot be empty")
	}
	if database == "" {
		return nil, fmt.Errorf("database cannot be empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mongo: %w", err)
	}
	s.client = nil
	return nil
}

// Get implements Reader.Get.
func (s *MongoStore) Get(ctx context.Context, collection, id string) (Document, error) {
	return mongoGet(ctx, s.db, collection, id)
}

// Find implements Reader.Find.
func (s *MongoStore) Find(ctx context.Context, q Query) ([]Document, error) {
	return mongoFind(ctx, s.db, q)
}

// Commit implements Store.Commit.
func (s *MongoStore) Commit(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	if err := batch.validate(); err != nil {
		return err
	}

	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for i, w := range batch.Writes() {
			var err error
			switch w.Kind {
			case WriteSet:
				err = tx.Set(ctx, w.Collection, w.ID, w.Fields)
			case WriteUpdate:
				err = tx.Update(ctx, w.Collection, w.ID, w.Fields)
			case WriteDelete:
				err = tx.Delete(ctx, w.Collection, w.ID)
			default:
				err = fmt.Errorf("unknown write kind %d", w.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch write %d (%s %s/%s): %w", i, w.Kind, w.Collection, w.ID, err)
			}
		}
		return nil
	})
}

// RunTransaction implements Store.RunTransaction using a session
// transaction. The driver may invoke fn more than once on transient
// transaction errors, so fn must not have side effects outside tx.
func (s *MongoStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(context.Background())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{db: s.db})
	})
	return err
}

type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) Get(ctx context.Context, collection, id string) (Document, error) {
	return mongoGet(ctx, t.db, collection, id)
}

func (t *mongoTx) Find(ctx context.Context, q Query) ([]Document, error) {
	return mongoFind(ctx, t.db, q)
}

func (t *mongoTx) Create(ctx context.Context, collection, id string, fields Fields) error {
	doc, err := toBSON(id, stripDeletes(fields))
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	if _, err := t.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *mongoTx) Set(ctx context.Context, collection, id string, fields Fields) error {
	doc, err := toBSON(id, stripDeletes(fields))
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	_, err = t.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *mongoTx) Update(ctx context.Context, collection, id string, fields Fields) error {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range fields {
		if IsDeleteField(v) {
			unset[k] = ""
			continue
		}
		n, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s field %s: %w", collection, id, k, err)
		}
		set[k] = n
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		// Nothing to change, but the document must still exist.
		_, err := mongoGet(ctx, t.db, collection, id)
		return err
	}

	res, err := t.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (t *mongoTx) Delete(ctx context.Context, collection, id string) error {
	if _, err := t.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func mongoGet(ctx context.Context, db *mongo.Database, collection, id string) (Document, error) {
	var raw bson.M
	err := db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return fromBSON(raw)
}

func mongoFind(ctx context.Context, db *mongo.Database, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	filter, err := mongoFilter(q)
	if err != nil {
		return nil, err
	}

	sort := bson.D{{Key: "_id", Value: 1}}
	if q.OrderBy != "" {
		sort = bson.D{{Key: q.OrderBy, Value: 1}, {Key: "_id", Value: 1}}
	}
	opts := options.Find().SetSort(sort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", q.Collection, err)
		}
		doc, err := fromBSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", q.Collection, err)
	}
	return docs, nil
}

var mongoOps = map[Operator]string{
	Eq:  "$eq",
	Ne:  "$ne",
	Lt:  "$lt",
	Lte: "$lte",
	Gt:  "$gt",
	Gte: "$gte",
}

func mongoFilter(q Query) (bson.D, error) {
	var and bson.A
	for _, f := range q.Filters {
		v, err := Normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter on %s: %w", f.Field, err)
		}
		cond := bson.M{mongoOps[f.Op]: v}
		if v == nil {
			if f.Op != Eq {
				return nil, fmt.Errorf("filter on %s: only == supports null", f.Field)
			}
			// Present and null, like the SQLite backend.
			cond = bson.M{"$type": "null"}
		}
		and = append(and, bson.M{f.Field: cond})
	}

	if q.After != nil {
		switch {
		case q.OrderBy == "":
			and = append(and, bson.M{"_id": bson.M{"$gt": q.After.ID}})
		case q.After.Value == nil:
			and = append(and, bson.M{"$or": bson.A{
				bson.M{q.OrderBy: bson.M{"$ne": nil}},
				bson.M{q.OrderBy: nil, "_id": bson.M{"$gt": q.After.ID}},
			}})
		default:
			v, err := Normalize(q.After.Value)
			if err != nil {
				return nil, fmt.Errorf("cursor: %w", err)
			}
			and = append(and, bson.M{"$or": bson.A{
				bson.M{q.OrderBy: bson.M{"$gt": v}},
				bson.M{q.OrderBy: v, "_id": bson.M{"$gt": q.After.ID}},
			}})
		}
	}

	if len(and) == 0 {
		return bson.D{}, nil
	}
	return bson.D{{Key: "$and", Value: and}}, nil
}

func toBSON(id string, fields Fields) (bson.M, error) {
	n, err := NormalizeFields(fields)
	if err != nil {
		return nil, err
	}
	doc := bson.M(n)
	doc["_id"] = id
	return doc, nil
}

func fromBSON(raw bson.M) (Document, error) {
	var id string
	switch v := raw["_id"].(type) {
	case string:
		id = v
	case primitive.ObjectID:
		id = v.Hex()
	default:
		return Document{}, fmt.Errorf("unsupported _id type %T", raw["_id"])
	}

	fields := make(Fields, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		fields[k] = fromBSONValue(v)
	}
	return Document{ID: id, Fields: fields}, nil
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return t.String()
		}
		return f
	case primitive.ObjectID:
		return t.Hex()
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSONValue(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}
