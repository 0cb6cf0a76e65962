package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/fetch"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

// process mirrors one bookmark. Nothing reaches the library unless every
// binary was stored first.
func (s *Scheduler) process(ctx context.Context, b source.Bookmark) (Outcome, error) {
	if b.Deleted || b.Title == source.DeletedTitle {
		s.logger.Info("bookmark deleted upstream", zap.String("pid", b.PID))
		return OutcomeDeleted, nil
	}
	if !s.cfg.Overwrite {
		ok, err := s.deps.Library.Exists(ctx, b.PID)
		if err != nil {
			return "", err
		}
		if ok {
			return OutcomeSkipped, nil
		}
	}

	work, err := s.deps.Works.Work(ctx, b)
	if err != nil {
		return "", fmt.Errorf("load details: %w", err)
	}
	if len(work.Binaries) == 0 {
		return "", fmt.Errorf("load details: work %s lists no binaries", b.PID)
	}

	binaries := make([]library.Binary, 0, len(work.Binaries))
	for _, src := range work.Binaries {
		obj, err := s.store(ctx, src)
		if err != nil {
			return "", err
		}
		binaries = append(binaries, library.Binary{
			ItemPID:  b.PID,
			Name:     obj.Name,
			Page:     src.Page,
			URL:      src.URL,
			Location: obj.Location,
			Size:     obj.Size,
			Hash:     obj.MD5,
			MIME:     src.MIME,
		})
	}

	err = s.deps.Library.Upsert(ctx, s.document(b, work, binaries), s.cfg.Overwrite)
	if errors.Is(err, library.ErrDuplicate) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeCrawled, nil
}

// store returns the content object for src, downloading only when needed.
func (s *Scheduler) store(ctx context.Context, src source.BinarySource) (content.Object, error) {
	if !s.cfg.Overwrite {
		obj, err := s.deps.Store.Stat(ctx, src.Name)
		switch {
		case err == nil:
			return obj, nil
		case !errors.Is(err, content.ErrNotFound):
			return content.Object{}, fmt.Errorf("stat %s: %w", src.Name, err)
		}
	}

	resp, err := s.deps.Getter.Get(ctx, fetch.Request{URL: src.URL, Headers: src.Headers})
	if err != nil {
		return content.Object{}, fmt.Errorf("download %s: %w", src.Name, err)
	}
	obj, err := s.deps.Store.Put(ctx, src.Name, src.MIME, resp.Body, s.cfg.Overwrite)
	if errors.Is(err, content.ErrExists) {
		// Another run or worker stored it between Stat and Put.
		obj, err = s.deps.Store.Stat(ctx, src.Name)
	} else if err == nil {
		metrics.AddBytesWritten(obj.Size)
	}
	if err != nil {
		return content.Object{}, fmt.Errorf("store %s: %w", src.Name, err)
	}
	return obj, nil
}

func (s *Scheduler) document(b source.Bookmark, w source.Work, binaries []library.Binary) library.Document {
	title := w.Title
	if title == "" {
		title = b.Title
	}
	tags := w.Tags
	if len(tags) == 0 {
		tags = b.Tags
	}
	meta := make(map[string]string, len(w.Metadata)+3)
	for k, v := range w.Metadata {
		meta[k] = v
	}
	if w.Kind != "" {
		meta["kind"] = w.Kind
	}
	if w.Description != "" {
		meta["description"] = w.Description
	}
	if b.Private {
		meta["private"] = strconv.FormatBool(true)
	}
	if len(meta) == 0 {
		meta = nil
	}

	doc := library.Document{
		Item: library.Item{
			PID:       b.PID,
			Order:     b.Order,
			Title:     title,
			Tags:      tags,
			Metadata:  meta,
			CreatedAt: w.CreatedAt,
			CrawledAt: s.now(),
		},
		Binaries: binaries,
	}
	authorID, authorName := w.AuthorID, w.AuthorName
	if authorID == "" {
		authorID, authorName = b.AuthorID, b.AuthorName
	}
	if authorID != "" {
		doc.Item.AuthorID = authorID
		doc.Author = &library.Author{ID: authorID, Name: authorName, Account: w.AuthorAccount}
	}
	return doc
}

func (s *Scheduler) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now().UTC()
}
