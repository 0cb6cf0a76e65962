package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

type binaryDoc struct {
	Name     string `bson:"name"`
	Page     int    `bson:"page"`
	URL      string `bson:"url,omitempty"`
	Location string `bson:"location"`
	Size     int64  `bson:"size"`
	Hash     string `bson:"hash"`
	MIME     string `bson:"mime,omitempty"`
}

type authorDoc struct {
	ID      string `bson:"_id"`
	Name    string `bson:"name"`
	Account string `bson:"account,omitempty"`
}

type itemDoc struct {
	PID       string            `bson:"_id"`
	Order     int64             `bson:"order"`
	Title     string            `bson:"title"`
	AuthorID  string            `bson:"author_id,omitempty"`
	Tags      []string          `bson:"tags"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	CrawledAt time.Time         `bson:"crawled_at"`
	Binaries  []binaryDoc       `bson:"binaries"`
	// Author is filled by the $lookup stage of a query. Only trash entries store it.
	Author []authorDoc `bson:"author,omitempty"`
}

type trashDoc struct {
	PID       string    `bson:"_id"`
	Document  itemDoc   `bson:"document"`
	DeletedAt time.Time `bson:"deleted_at"`
}

func toItemDoc(doc library.Document) itemDoc {
	out := itemDoc{
		PID:       doc.Item.PID,
		Order:     doc.Item.Order,
		Title:     doc.Item.Title,
		AuthorID:  doc.Item.AuthorID,
		Tags:      doc.Item.Tags,
		Metadata:  doc.Item.Metadata,
		CreatedAt: doc.Item.CreatedAt.UTC(),
		CrawledAt: doc.Item.CrawledAt.UTC(),
		Binaries:  make([]binaryDoc, 0, len(doc.Binaries)),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	for _, b := range doc.Binaries {
		out.Binaries = append(out.Binaries, binaryDoc{
			Name:     b.Name,
			Page:     b.Page,
			URL:      b.URL,
			Location: b.Location,
			Size:     b.Size,
			Hash:     b.Hash,
			MIME:     b.MIME,
		})
	}
	return out
}

func (d itemDoc) document() library.Document {
	doc := library.Document{
		Item: library.Item{
			PID:       d.PID,
			Order:     d.Order,
			Title:     d.Title,
			AuthorID:  d.AuthorID,
			Metadata:  d.Metadata,
			CreatedAt: d.CreatedAt.UTC(),
			CrawledAt: d.CrawledAt.UTC(),
		},
	}
	if len(d.Tags) > 0 {
		doc.Item.Tags = d.Tags
	}
	for _, b := range d.Binaries {
		doc.Binaries = append(doc.Binaries, library.Binary{
			ItemPID:  d.PID,
			Name:     b.Name,
			Page:     b.Page,
			URL:      b.URL,
			Location: b.Location,
			Size:     b.Size,
			Hash:     b.Hash,
			MIME:     b.MIME,
		})
	}
	if len(d.Author) > 0 {
		a := d.Author[0]
		doc.Author = &library.Author{ID: a.ID, Name: a.Name, Account: a.Account}
	}
	return doc
}

// matchStage translates a filter to a $match document.
func matchStage(f library.Filter) bson.D {
	match := bson.D{}
	if len(f.PIDs) > 0 {
		match = append(match, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: f.PIDs}}})
	}
	if f.AuthorID != "" {
		match = append(match, bson.E{Key: "author_id", Value: f.AuthorID})
	}
	if f.Tag != "" {
		match = append(match, bson.E{Key: "tags", Value: f.Tag})
	}
	order := bson.D{}
	if f.MinOrder != 0 {
		order = append(order, bson.E{Key: "$gte", Value: f.MinOrder})
	}
	if f.MaxOrder != 0 {
		order = append(order, bson.E{Key: "$lte", Value: f.MaxOrder})
	}
	if len(order) > 0 {
		match = append(match, bson.E{Key: "order", Value: order})
	}
	return match
}

// queryPipeline matches, orders, limits, and joins the author record.
func queryPipeline(f library.Filter) bson.A {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: matchStage(f)}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	if f.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(f.Limit)}})
	}
	return append(pipeline, bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: collAuthors},
		{Key: "localField", Value: "author_id"},
		{Key: "foreignField", Value: "_id"},
		{Key: "as", Value: "author"},
	}}})
}
