// Package mongodb stores the library in a MongoDB replica set. Every commit
// runs inside a multi-document transaction.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Backend is the driver name.
const Backend = "mongodb"

const (
	collItems   = "items"
	collAuthors = "authors"
	collTags    = "tags"
	collTrash   = "trash"

	trashRetention = 30 * 24 * time.Hour

	transientRetries = 5
)

// ErrNotReplicaSet is returned by Open when the server cannot run transactions.
var ErrNotReplicaSet = errors.New("mongodb: server is not a replica set member; transactions are unavailable")

// Config locates the database.
type Config struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	Database string `mapstructure:"database" yaml:"database"`
	// ConnectTimeout bounds connection and server selection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Driver implements library.Driver.
type Driver struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

// Open connects, refuses standalone servers, and ensures indexes.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("library.mongodb.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "bookmarks"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongodb: %v", library.ErrUnavailable, err)
	}
	d := &Driver{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger.Named("mongodb"),
		now:    time.Now,
	}
	if err := d.checkReplicaSet(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := d.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	d.logger.Info("connected", zap.String("database", cfg.Database))
	return d, nil
}

func (d *Driver) checkReplicaSet(ctx context.Context) error {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	err := d.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
	if err != nil {
		return fmt.Errorf("hello: %w", classify(err))
	}
	// mongos reports msg "isdbgrid" and supports transactions too.
	if hello.SetName == "" && hello.Msg != "isdbgrid" {
		return ErrNotReplicaSet
	}
	return nil
}

func (d *Driver) ensureIndexes(ctx context.Context) error {
	_, err := d.db.Collection(collItems).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "author_id", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create item indexes: %w", classify(err))
	}
	_, err = d.db.Collection(collTrash).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "deleted_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(trashRetention / time.Second)),
	})
	if err != nil {
		return fmt.Errorf("create trash ttl index: %w", classify(err))
	}
	return nil
}

// Backend implements library.Driver.
func (d *Driver) Backend() string {
	return Backend
}

// Exists implements library.Driver.
func (d *Driver) Exists(ctx context.Context, pid string) (bool, error) {
	n, err := d.db.Collection(collItems).CountDocuments(ctx, bson.D{{Key: "_id", Value: pid}}, options.Count().SetLimit(1))
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// Upsert implements library.Driver. Transactions aborted by a write conflict
// are retried a bounded number of times.
func (d *Driver) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	var err error
	for range transientRetries {
		err = library.InTx(ctx, d, func(tx library.Tx) error {
			return tx.Upsert(ctx, doc, overwrite)
		})
		if !transient(err) {
			return err
		}
		d.logger.Debug("transaction conflict, retrying", zap.String("pid", doc.Item.PID), zap.Error(err))
	}
	return err
}

// Query implements library.Driver, streaming from a server cursor.
func (d *Driver) Query(ctx context.Context, filter library.Filter) iter.Seq2[library.Document, error] {
	return func(yield func(library.Document, error) bool) {
		cur, err := d.db.Collection(collItems).Aggregate(ctx, queryPipeline(filter))
		if err != nil {
			yield(library.Document{}, classify(err))
			return
		}
		defer cur.Close(context.WithoutCancel(ctx)) //nolint:errcheck // cursor cleanup
		for cur.Next(ctx) {
			var item itemDoc
			if err := cur.Decode(&item); err != nil {
				yield(library.Document{}, fmt.Errorf("decode item: %w", err))
				return
			}
			if !yield(item.document(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(library.Document{}, classify(err))
		}
	}
}

// Digest implements library.Driver.
func (d *Driver) Digest(ctx context.Context) (library.Digest, error) {
	b := library.NewDigestBuilder(Backend)
	cur, err := d.db.Collection(collItems).Find(ctx, bson.D{},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "binaries.size", Value: 1}}))
	if err != nil {
		return library.Digest{}, classify(err)
	}
	defer cur.Close(context.WithoutCancel(ctx)) //nolint:errcheck // cursor cleanup
	for cur.Next(ctx) {
		var row struct {
			PID      string `bson:"_id"`
			Binaries []struct {
				Size int64 `bson:"size"`
			} `bson:"binaries"`
		}
		if err := cur.Decode(&row); err != nil {
			return library.Digest{}, fmt.Errorf("decode digest row: %w", err)
		}
		var size int64
		for _, bin := range row.Binaries {
			size += bin.Size
		}
		b.AddItem(row.PID)
		b.AddBinaries(int64(len(row.Binaries)), size)
	}
	if err := cur.Err(); err != nil {
		return library.Digest{}, classify(err)
	}

	counts := make([]int64, 0, 3)
	for _, name := range []string{collAuthors, collTags, collTrash} {
		n, err := d.db.Collection(name).CountDocuments(ctx, bson.D{})
		if err != nil {
			return library.Digest{}, classify(err)
		}
		counts = append(counts, n)
	}
	b.SetCounts(counts[0], counts[1], counts[2])
	return b.Digest(), nil
}

// References implements library.Driver.
func (d *Driver) References(ctx context.Context) (library.References, error) {
	var refs library.References
	cur, err := d.db.Collection(collAuthors).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return library.References{}, classify(err)
	}
	var authors []authorDoc
	if err := cur.All(ctx, &authors); err != nil {
		return library.References{}, classify(err)
	}
	for _, a := range authors {
		refs.Authors = append(refs.Authors, library.Author{ID: a.ID, Name: a.Name, Account: a.Account})
	}

	cur, err = d.db.Collection(collTags).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return library.References{}, classify(err)
	}
	var tags []struct {
		Name string `bson:"_id"`
	}
	if err := cur.All(ctx, &tags); err != nil {
		return library.References{}, classify(err)
	}
	for _, t := range tags {
		refs.Tags = append(refs.Tags, t.Name)
	}
	return refs, nil
}

// Begin implements library.Driver.
func (d *Driver) Begin(_ context.Context) (library.Tx, error) {
	sess, err := d.client.StartSession()
	if err != nil {
		return nil, classify(err)
	}
	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		sess.EndSession(context.Background())
		return nil, classify(err)
	}
	return &tx{driver: d, sess: sess}, nil
}

// Close implements library.Driver.
func (d *Driver) Close(ctx context.Context) error {
	if err := d.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

func transient(err error) bool {
	var labeled mongo.LabeledError
	return errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError")
}

// classify maps driver errors onto the library sentinels. The driver error
// stays in the chain so transient labels survive.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", library.ErrDuplicate, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %w", library.ErrUnavailable, err)
	default:
		return err
	}
}
