// Package pixiv reads a user's bookmarks from the pixiv web AJAX API.
package pixiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/fetch"
	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

const (
	// DefaultHost is the public web endpoint.
	DefaultHost = "https://www.pixiv.net"
	// PageSize is the listing page size the web client uses.
	PageSize = 48

	illustTypeIllust = 0
	illustTypeManga  = 1
	illustTypeUgoira = 2
)

// ErrAPI wraps an error envelope returned by the API.
var ErrAPI = errors.New("pixiv: api error")

// Getter performs paced GETs. *fetch.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Config selects whose bookmarks are listed and how.
type Config struct {
	Host    string
	UserID  string
	Session string
	// Private lists hidden bookmarks (rest=hide) instead of public ones.
	Private bool
	Tag     string
	Lang    string
}

// Client implements source.Source.
type Client struct {
	cfg    Config
	getter Getter
	logger *zap.Logger
}

// New builds a client. UserID is required.
func New(cfg Config, getter Getter, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("pixiv: user id is required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, getter: getter, logger: logger.Named("pixiv")}, nil
}

// Page lists bookmarks newest first.
func (c *Client) Page(ctx context.Context, offset, limit int) (source.Page, error) {
	if limit <= 0 {
		limit = PageSize
	}
	rest := "show"
	if c.cfg.Private {
		rest = "hide"
	}
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("rest", rest)
	q.Set("tag", c.cfg.Tag)
	q.Set("lang", c.cfg.Lang)

	var body bookmarksBody
	endpoint := fmt.Sprintf("%s/ajax/user/%s/illusts/bookmarks?%s", c.cfg.Host, url.PathEscape(c.cfg.UserID), q.Encode())
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return source.Page{}, err
	}

	page := source.Page{Total: body.Total, Bookmarks: make([]source.Bookmark, 0, len(body.Works))}
	for _, w := range body.Works {
		b, err := w.bookmark()
		if err != nil {
			return source.Page{}, fmt.Errorf("page at %d: %w", offset, err)
		}
		page.Bookmarks = append(page.Bookmarks, b)
	}
	c.logger.Debug("listed bookmarks",
		zap.Int("offset", offset),
		zap.Int("count", len(page.Bookmarks)),
		zap.Int("total", page.Total),
	)
	return page, nil
}

// Work loads details, original page URLs, and animation metadata.
func (c *Client) Work(ctx context.Context, b source.Bookmark) (source.Work, error) {
	var detail illustBody
	if err := c.getJSON(ctx, c.illustURL(b.PID, ""), &detail); err != nil {
		return source.Work{}, err
	}

	work := source.Work{
		Bookmark:      b,
		Title:         detail.Title,
		Description:   detail.Description,
		Kind:          kindName(detail.IllustType),
		AuthorID:      detail.UserID,
		AuthorName:    detail.UserName,
		AuthorAccount: detail.UserAccount,
		CreatedAt:     detail.CreateDate,
		Metadata: map[string]string{
			"kind":       kindName(detail.IllustType),
			"page_count": strconv.Itoa(detail.PageCount),
			"width":      strconv.Itoa(detail.Width),
			"height":     strconv.Itoa(detail.Height),
			"original":   strconv.FormatBool(detail.IsOriginal),
		},
	}
	if detail.Description != "" {
		work.Metadata["description"] = detail.Description
	}
	for _, t := range detail.Tags.Tags {
		work.Tags = append(work.Tags, t.Tag)
	}

	switch {
	case detail.IllustType == illustTypeUgoira:
		if err := c.addUgoira(ctx, &work); err != nil {
			return source.Work{}, err
		}
	case detail.PageCount > 1:
		if err := c.addPages(ctx, &work); err != nil {
			return source.Work{}, err
		}
	default:
		if detail.URLs.Original == "" {
			return source.Work{}, fmt.Errorf("%w: work %s has no original url", ErrAPI, b.PID)
		}
		work.Binaries = append(work.Binaries, c.binary(detail.URLs.Original, 0))
	}
	return work, nil
}

func (c *Client) addPages(ctx context.Context, work *source.Work) error {
	var pages []pageBody
	if err := c.getJSON(ctx, c.illustURL(work.Bookmark.PID, "/pages"), &pages); err != nil {
		return err
	}
	for i, p := range pages {
		if p.URLs.Original == "" {
			return fmt.Errorf("%w: page %d of %s has no original url", ErrAPI, i, work.Bookmark.PID)
		}
		work.Binaries = append(work.Binaries, c.binary(p.URLs.Original, i))
	}
	return nil
}

func (c *Client) addUgoira(ctx context.Context, work *source.Work) error {
	var meta ugoiraBody
	if err := c.getJSON(ctx, c.illustURL(work.Bookmark.PID, "/ugoira_meta"), &meta); err != nil {
		return err
	}
	if meta.OriginalSrc == "" {
		return fmt.Errorf("%w: animation %s has no source", ErrAPI, work.Bookmark.PID)
	}
	delays := make([]string, 0, len(meta.Frames))
	for _, f := range meta.Frames {
		delays = append(delays, strconv.Itoa(f.Delay))
	}
	work.Metadata["frame_mime"] = meta.MIMEType
	work.Metadata["frame_delays"] = strings.Join(delays, ",")
	bin := c.binary(meta.OriginalSrc, 0)
	bin.MIME = "application/zip"
	work.Binaries = append(work.Binaries, bin)
	return nil
}

func (c *Client) binary(raw string, page int) source.BinarySource {
	name := raw
	if u, err := url.Parse(raw); err == nil {
		name = u.Path
	}
	name = path.Base(name)
	return source.BinarySource{
		URL:     raw,
		Name:    name,
		MIME:    mime.TypeByExtension(path.Ext(name)),
		Page:    page,
		Headers: http.Header{"Referer": {c.cfg.Host + "/"}},
	}
}

func (c *Client) illustURL(pid, suffix string) string {
	return fmt.Sprintf("%s/ajax/illust/%s%s?lang=%s", c.cfg.Host, url.PathEscape(pid), suffix, url.QueryEscape(c.cfg.Lang))
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Referer", c.cfg.Host+"/")
	if c.cfg.Session != "" {
		h.Set("Cookie", "PHPSESSID="+c.cfg.Session)
	}
	return h
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.getter.Get(ctx, fetch.Request{URL: endpoint, Headers: c.headers()})
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if env.Error {
		return fmt.Errorf("%w: %s", ErrAPI, env.Message)
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("decode body of %s: %w", endpoint, err)
	}
	return nil
}

func kindName(t int) string {
	switch t {
	case illustTypeIllust:
		return "illust"
	case illustTypeManga:
		return "manga"
	case illustTypeUgoira:
		return "ugoira"
	default:
		return "unknown"
	}
}

type envelope struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

// flexID accepts ids sent either as strings or as numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexID(strings.Trim(string(data), `"`))
	return nil
}

type bookmarksBody struct {
	Works []bookmarkWork `json:"works"`
	Total int            `json:"total"`
}

type bookmarkWork struct {
	ID           flexID   `json:"id"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	UserID       flexID   `json:"userId"`
	UserName     string   `json:"userName"`
	BookmarkData *struct {
		ID      flexID `json:"id"`
		Private bool   `json:"private"`
	} `json:"bookmarkData"`
}

func (w bookmarkWork) bookmark() (source.Bookmark, error) {
	b := source.Bookmark{
		PID:        string(w.ID),
		Title:      w.Title,
		AuthorID:   string(w.UserID),
		AuthorName: w.UserName,
		Tags:       w.Tags,
		Deleted:    w.Title == source.DeletedTitle,
	}
	if w.BookmarkData != nil {
		order, err := strconv.ParseInt(string(w.BookmarkData.ID), 10, 64)
		if err != nil {
			return source.Bookmark{}, fmt.Errorf("%w: bookmark %s has malformed id %q: %w", ErrAPI, b.PID, w.BookmarkData.ID, err)
		}
		b.Order = order
		b.Private = w.BookmarkData.Private
	}
	return b, nil
}

type illustBody struct {
	IllustID    flexID    `json:"illustId"`
	Title       string    `json:"illustTitle"`
	Description string    `json:"description"`
	IllustType  int       `json:"illustType"`
	CreateDate  time.Time `json:"createDate"`
	URLs        struct {
		Original string `json:"original"`
	} `json:"urls"`
	Tags struct {
		Tags []struct {
			Tag string `json:"tag"`
		} `json:"tags"`
	} `json:"tags"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	UserAccount string `json:"userAccount"`
	PageCount   int    `json:"pageCount"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	IsOriginal  bool   `json:"isOriginal"`
}

type pageBody struct {
	URLs struct {
		Original string `json:"original"`
	} `json:"urls"`
}

type ugoiraBody struct {
	OriginalSrc string `json:"originalSrc"`
	MIMEType    string `json:"mime_type"`
	Frames      []struct {
		File  string `json:"file"`
		Delay int    `json:"delay"`
	} `json:"frames"`
}
