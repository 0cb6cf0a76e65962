package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Issue codes reported by Check.
const (
	IssueMissing      = "missing"
	IssueSizeMismatch = "size_mismatch"
	IssueHashMismatch = "hash_mismatch"

	IssueMissingAuthor = "missing_author"
	IssueMissingTag    = "missing_tag"
	IssueOrphanAuthor  = "orphan_author"
	IssueOrphanTag     = "orphan_tag"
)

// Issue is one inconsistency found in the library or between the library and
// the content store. Ref names the author id or tag of a reference issue.
type Issue struct {
	PID    string `json:"pid,omitempty"`
	Binary string `json:"binary,omitempty"`
	Ref    string `json:"ref,omitempty"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Repairable reports whether Repair can fix the issue.
func (i Issue) Repairable() bool {
	switch i.Code {
	case IssueMissingAuthor, IssueMissingTag, IssueOrphanAuthor, IssueOrphanTag:
		return true
	default:
		return false
	}
}

// CheckReport lists what Check looked at and what it found.
type CheckReport struct {
	Items    int     `json:"items"`
	Binaries int     `json:"binaries"`
	Authors  int     `json:"authors"`
	Tags     int     `json:"tags"`
	Issues   []Issue `json:"issues,omitempty"`
}

// OK reports whether no issue was found.
func (r CheckReport) OK() bool {
	return len(r.Issues) == 0
}

// Repairable counts the issues Repair can fix.
func (r CheckReport) Repairable() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Repairable() {
			n++
		}
	}
	return n
}

// Check verifies that every binary recorded in lib is present in store with
// the recorded size and hash, and that author and tag records match what the
// items reference.
func Check(ctx context.Context, lib *library.Library, store content.Store) (CheckReport, error) {
	var (
		report     CheckReport
		refIssues  []Issue
		usedAuthor = make(map[string]bool)
		usedTag    = make(map[string]bool)
	)
	refs, err := lib.References(ctx)
	if err != nil {
		return report, err
	}
	authors := make(map[string]bool, len(refs.Authors))
	for _, a := range refs.Authors {
		authors[a.ID] = true
	}
	tags := make(map[string]bool, len(refs.Tags))
	for _, t := range refs.Tags {
		tags[t] = true
	}
	report.Authors = len(authors)
	report.Tags = len(tags)

	for doc, err := range lib.Query(ctx, library.Filter{}) {
		if err != nil {
			return report, fmt.Errorf("read library: %w", err)
		}
		report.Items++
		item := doc.Item
		if item.AuthorID != "" {
			usedAuthor[item.AuthorID] = true
			if !authors[item.AuthorID] {
				refIssues = append(refIssues, Issue{PID: item.PID, Ref: item.AuthorID, Code: IssueMissingAuthor})
			}
		}
		for _, t := range item.Tags {
			usedTag[t] = true
			if !tags[t] {
				refIssues = append(refIssues, Issue{PID: item.PID, Ref: t, Code: IssueMissingTag})
			}
		}
		issues, err := checkBinaries(ctx, doc, store)
		if err != nil {
			return report, err
		}
		report.Binaries += len(doc.Binaries)
		report.Issues = append(report.Issues, issues...)
	}

	for _, a := range refs.Authors {
		if !usedAuthor[a.ID] {
			refIssues = append(refIssues, Issue{Ref: a.ID, Code: IssueOrphanAuthor, Detail: a.Name})
		}
	}
	for _, t := range refs.Tags {
		if !usedTag[t] {
			refIssues = append(refIssues, Issue{Ref: t, Code: IssueOrphanTag})
		}
	}
	report.Issues = append(report.Issues, refIssues...)
	return report, nil
}

func checkBinaries(ctx context.Context, doc library.Document, store content.Store) ([]Issue, error) {
	var issues []Issue
	for _, b := range doc.Binaries {
		obj, err := store.Stat(ctx, b.Name)
		if errors.Is(err, content.ErrNotFound) {
			issues = append(issues, Issue{PID: b.ItemPID, Binary: b.Name, Code: IssueMissing})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", b.Name, err)
		}
		if obj.Size != b.Size {
			issues = append(issues, Issue{
				PID:    b.ItemPID,
				Binary: b.Name,
				Code:   IssueSizeMismatch,
				Detail: fmt.Sprintf("recorded %d, stored %d", b.Size, obj.Size),
			})
			continue
		}
		if b.Hash != "" && obj.MD5 != "" && obj.MD5 != b.Hash {
			issues = append(issues, Issue{
				PID:    b.ItemPID,
				Binary: b.Name,
				Code:   IssueHashMismatch,
				Detail: fmt.Sprintf("recorded %s, stored %s", b.Hash, obj.MD5),
			})
		}
	}
	return issues, nil
}

// Repair fixes the reference issues of report in one transaction: missing
// author and tag records are registered, orphaned ones removed. A registered
// author only carries its id; the next crawl of one of its items fills in the
// name. It returns the number of issues fixed.
func Repair(ctx context.Context, lib *library.Library, report CheckReport) (int, error) {
	var (
		put, drop library.References
		fixed     int
		seen      = make(map[string]bool)
	)
	for _, issue := range report.Issues {
		if !issue.Repairable() {
			continue
		}
		fixed++
		key := issue.Code + "\x00" + issue.Ref
		if seen[key] {
			continue
		}
		seen[key] = true
		switch issue.Code {
		case IssueMissingAuthor:
			put.Authors = append(put.Authors, library.Author{ID: issue.Ref})
		case IssueMissingTag:
			put.Tags = append(put.Tags, issue.Ref)
		case IssueOrphanAuthor:
			drop.Authors = append(drop.Authors, library.Author{ID: issue.Ref})
		case IssueOrphanTag:
			drop.Tags = append(drop.Tags, issue.Ref)
		}
	}
	if err := lib.Reconcile(ctx, put, drop); err != nil {
		return 0, fmt.Errorf("repair references: %w", err)
	}
	return fixed, nil
}
