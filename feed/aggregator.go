// Package feed assembles the discussion on a case: its most recent feed
// items, their comments and the people who wrote them.
package feed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/identity"
	"github.com/justmike1/casebot/salesforce"
)

const (
	// RedactionMarker replaces the body of a private item the reader may not see.
	RedactionMarker = "*Private Comment*"

	// ItemLimit caps the number of feed items in a thread.
	ItemLimit = 5

	VisibilityAllUsers      = "AllUsers"
	VisibilityInternalUsers = "InternalUsers"

	fetchConcurrency = 4
)

// Querier is the part of the Salesforce client the aggregator needs.
type Querier interface {
	Query(ctx context.Context, soql string, out any) error
}

// Authors resolves the author of a post or comment.
type Authors interface {
	ByExternalID(ctx context.Context, id string) (identity.Author, error)
}

type Item struct {
	ID           string          `json:"id"`
	ParentCaseID string          `json:"parentCaseId"`
	Body         string          `json:"body"`
	AuthorID     string          `json:"authorId"`
	Visibility   string          `json:"visibility"`
	CreatedAt    time.Time       `json:"createdAt"`
	Author       identity.Author `json:"author"`
	Redacted     bool            `json:"redacted"`
}

type Comment struct {
	ID         string          `json:"id"`
	FeedItemID string          `json:"feedItemId"`
	Body       string          `json:"body"`
	AuthorID   string          `json:"authorId"`
	CreatedAt  time.Time       `json:"createdAt"`
	Author     identity.Author `json:"author"`
}

// ThreadEntry is one feed item with its visible comments, newest first.
type ThreadEntry struct {
	Item     Item      `json:"feedItem"`
	Comments []Comment `json:"comments"`
}

type itemRow struct {
	ID          string          `json:"Id"`
	ParentID    string          `json:"ParentId"`
	Body        string          `json:"Body"`
	CreatedByID string          `json:"CreatedById"`
	Visibility  string          `json:"Visibility"`
	CreatedDate salesforce.Time `json:"CreatedDate"`
}

type commentRow struct {
	ID          string          `json:"Id"`
	FeedItemID  string          `json:"FeedItemId"`
	CommentBody string          `json:"CommentBody"`
	CreatedByID string          `json:"CreatedById"`
	CreatedDate salesforce.Time `json:"CreatedDate"`
	IsDeleted   bool            `json:"IsDeleted"`
}

type Aggregator struct {
	client  Querier
	authors Authors
	logger  *zap.Logger
}

func NewAggregator(client Querier, authors Authors, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{client: client, authors: authors, logger: logger.Named("feed")}
}

// ViewThread returns the newest feed items of a case with their comments, as
// seen by requestingUserID (a Salesforce user id). Private items keep their
// place in the thread but show RedactionMarker unless the reader wrote them
// or owns the case. Any failure aborts the whole thread with an apperr
// Aggregation error.
func (a *Aggregator) ViewThread(ctx context.Context, caseID, requestingUserID string) ([]ThreadEntry, error) {
	var (
		ownerID string
		rows    []itemRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ownerID, err = a.caseOwner(gctx, caseID)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = a.feedItems(gctx, caseID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Aggregation(err)
	}

	var items []itemRow
	for _, row := range rows {
		if strings.TrimSpace(row.Body) != "" {
			items = append(items, row)
		}
	}

	entries := make([]ThreadEntry, len(items))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, row := range items {
		g.Go(func() error {
			entry, err := a.buildEntry(gctx, row, ownerID, requestingUserID)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Aggregation(err)
	}

	a.logger.Debug("assembled thread",
		zap.String("case", caseID),
		zap.Int("items", len(entries)))
	return entries, nil
}

func (a *Aggregator) buildEntry(ctx context.Context, row itemRow, ownerID, readerID string) (ThreadEntry, error) {
	author, err := a.authors.ByExternalID(ctx, row.CreatedByID)
	if err != nil {
		return ThreadEntry{}, fmt.Errorf("resolve author of feed item %s: %w", row.ID, err)
	}

	item := Item{
		ID:           row.ID,
		ParentCaseID: row.ParentID,
		Body:         row.Body,
		AuthorID:     row.CreatedByID,
		Visibility:   row.Visibility,
		CreatedAt:    row.CreatedDate.Time,
		Author:       author,
	}
	if !Visible(item.Visibility, item.AuthorID, ownerID, readerID) {
		item.Body = RedactionMarker
		item.Redacted = true
	}

	comments, err := a.comments(ctx, row.ID)
	if err != nil {
		return ThreadEntry{}, err
	}
	return ThreadEntry{Item: item, Comments: comments}, nil
}

// Visible reports whether reader may see the body of an item.
func Visible(visibility, authorID, ownerID, readerID string) bool {
	if visibility == VisibilityAllUsers {
		return true
	}
	return readerID != "" && (readerID == authorID || readerID == ownerID)
}

func (a *Aggregator) caseOwner(ctx context.Context, caseID string) (string, error) {
	q := salesforce.SOQL{
		Fields: []string{"OwnerId"},
		From:   "Case",
		Where:  []salesforce.Condition{salesforce.Eq("Id", caseID)},
		Limit:  1,
	}
	var rows []struct {
		OwnerID string `json:"OwnerId"`
	}
	if err := a.client.Query(ctx, q.String(), &rows); err != nil {
		return "", fmt.Errorf("read owner of case %s: %w", caseID, err)
	}
	if len(rows) == 0 {
		return "", apperr.NotFound("case", map[string]any{"id": caseID})
	}
	return rows[0].OwnerID, nil
}

func (a *Aggregator) feedItems(ctx context.Context, caseID string) ([]itemRow, error) {
	q := salesforce.SOQL{
		Fields:     []string{"Id", "ParentId", "Body", "CreatedById", "Visibility", "CreatedDate"},
		From:       "FeedItem",
		Where:      []salesforce.Condition{salesforce.Eq("ParentId", caseID)},
		OrderBy:    "CreatedDate",
		Descending: true,
		Limit:      ItemLimit,
	}
	var rows []itemRow
	if err := a.client.Query(ctx, q.String(), &rows); err != nil {
		return nil, fmt.Errorf("read feed of case %s: %w", caseID, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedDate.After(rows[j].CreatedDate.Time)
	})
	if len(rows) > ItemLimit {
		rows = rows[:ItemLimit]
	}
	return rows, nil
}

func (a *Aggregator) comments(ctx context.Context, itemID string) ([]Comment, error) {
	q := salesforce.SOQL{
		Fields:     []string{"Id", "FeedItemId", "CommentBody", "CreatedById", "CreatedDate", "IsDeleted"},
		From:       "FeedComment",
		Where:      []salesforce.Condition{salesforce.Eq("FeedItemId", itemID)},
		OrderBy:    "CreatedDate",
		Descending: true,
	}
	var rows []commentRow
	if err := a.client.Query(ctx, q.String(), &rows); err != nil {
		return nil, fmt.Errorf("read comments of feed item %s: %w", itemID, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedDate.After(rows[j].CreatedDate.Time)
	})

	out := make([]Comment, 0, len(rows))
	for _, row := range rows {
		if row.IsDeleted || strings.TrimSpace(row.CommentBody) == "" {
			continue
		}
		author, err := a.authors.ByExternalID(ctx, row.CreatedByID)
		if err != nil {
			return nil, fmt.Errorf("resolve author of comment %s: %w", row.ID, err)
		}
		out = append(out, Comment{
			ID:         row.ID,
			FeedItemID: row.FeedItemID,
			Body:       row.CommentBody,
			AuthorID:   row.CreatedByID,
			CreatedAt:  row.CreatedDate.Time,
			Author:     author,
		})
	}
	return out, nil
}
