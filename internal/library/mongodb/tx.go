package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

type tx struct {
	driver *Driver
	sess   mongo.Session
	done   bool
}

var errTxDone = errors.New("mongodb: transaction already finished")

func (t *tx) ctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, t.sess)
}

func (t *tx) coll(name string) *mongo.Collection {
	return t.driver.db.Collection(name)
}

func (t *tx) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	if t.done {
		return errTxDone
	}
	doc, err := library.PrepareDocument(doc)
	if err != nil {
		return err
	}
	sctx := t.ctx(ctx)
	item := toItemDoc(doc)
	items := t.coll(collItems)

	var prev *itemDoc
	if overwrite {
		var existing itemDoc
		err := items.FindOne(sctx, bson.D{{Key: "_id", Value: item.PID}}).Decode(&existing)
		switch {
		case err == nil:
			prev = &existing
		case errors.Is(err, mongo.ErrNoDocuments):
		default:
			return classify(err)
		}
		_, err = items.ReplaceOne(sctx, bson.D{{Key: "_id", Value: item.PID}}, item, options.Replace().SetUpsert(true))
		if err != nil {
			return classify(err)
		}
	} else if _, err := items.InsertOne(sctx, item); err != nil {
		return classify(err)
	}

	if doc.Author != nil {
		if err := t.putAuthor(sctx, *doc.Author); err != nil {
			return err
		}
	}
	if err := t.putTags(sctx, item.Tags); err != nil {
		return err
	}
	if prev != nil {
		return t.collect(sctx, *prev)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, pid string) error {
	if t.done {
		return errTxDone
	}
	sctx := t.ctx(ctx)
	var existing itemDoc
	err := t.coll(collItems).FindOne(sctx, bson.D{{Key: "_id", Value: pid}}).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %s", library.ErrNotFound, pid)
		}
		return classify(err)
	}

	entry := trashDoc{PID: pid, Document: existing, DeletedAt: t.driver.now().UTC()}
	var author authorDoc
	err = t.coll(collAuthors).FindOne(sctx, bson.D{{Key: "_id", Value: existing.AuthorID}}).Decode(&author)
	switch {
	case err == nil:
		entry.Document.Author = []authorDoc{author}
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return classify(err)
	}
	_, err = t.coll(collTrash).ReplaceOne(sctx, bson.D{{Key: "_id", Value: pid}}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return classify(err)
	}
	if _, err := t.coll(collItems).DeleteOne(sctx, bson.D{{Key: "_id", Value: pid}}); err != nil {
		return classify(err)
	}
	return t.collect(sctx, existing)
}

// collect drops the author and tags of a removed item that nothing references.
func (t *tx) collect(ctx context.Context, removed itemDoc) error {
	items := t.coll(collItems)
	if removed.AuthorID != "" {
		n, err := items.CountDocuments(ctx, bson.D{{Key: "author_id", Value: removed.AuthorID}}, options.Count().SetLimit(1))
		if err != nil {
			return classify(err)
		}
		if n == 0 {
			if _, err := t.coll(collAuthors).DeleteOne(ctx, bson.D{{Key: "_id", Value: removed.AuthorID}}); err != nil {
				return classify(err)
			}
		}
	}
	for _, tag := range removed.Tags {
		n, err := items.CountDocuments(ctx, bson.D{{Key: "tags", Value: tag}}, options.Count().SetLimit(1))
		if err != nil {
			return classify(err)
		}
		if n == 0 {
			if _, err := t.coll(collTags).DeleteOne(ctx, bson.D{{Key: "_id", Value: tag}}); err != nil {
				return classify(err)
			}
		}
	}
	return nil
}

func (t *tx) putAuthor(ctx context.Context, a library.Author) error {
	_, err := t.coll(collAuthors).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: a.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: a.Name}, {Key: "account", Value: a.Account}}}},
		options.Update().SetUpsert(true),
	)
	return classify(err)
}

func (t *tx) putTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(tags))
	for _, tag := range tags {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: tag}}).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: tag}}}}).
			SetUpsert(true))
	}
	_, err := t.coll(collTags).BulkWrite(ctx, models)
	return classify(err)
}

func (t *tx) PutReferences(ctx context.Context, refs library.References) error {
	if t.done {
		return errTxDone
	}
	sctx := t.ctx(ctx)
	for _, a := range refs.Authors {
		if a.ID == "" {
			return fmt.Errorf("%w: author id is required", library.ErrInvalid)
		}
		if err := t.putAuthor(sctx, a); err != nil {
			return err
		}
	}
	return t.putTags(sctx, library.NormalizeTags(refs.Tags))
}

func (t *tx) DropReferences(ctx context.Context, refs library.References) error {
	if t.done {
		return errTxDone
	}
	sctx := t.ctx(ctx)
	if len(refs.Authors) > 0 {
		ids := make([]string, 0, len(refs.Authors))
		for _, a := range refs.Authors {
			ids = append(ids, a.ID)
		}
		_, err := t.coll(collAuthors).DeleteMany(sctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
		if err != nil {
			return classify(err)
		}
	}
	if len(refs.Tags) > 0 {
		_, err := t.coll(collTags).DeleteMany(sctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: refs.Tags}}}})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.sess.EndSession(context.WithoutCancel(ctx))
	if err := t.sess.CommitTransaction(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.sess.EndSession(context.WithoutCancel(ctx))
	if err := t.sess.AbortTransaction(context.WithoutCancel(ctx)); err != nil {
		return classify(err)
	}
	return nil
}
