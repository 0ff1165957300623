package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/identity"
	"github.com/justmike1/casebot/salesforce"
	"github.com/justmike1/casebot/salesforce/sftest"
)

type org struct {
	*sftest.Server
	agg *Aggregator
}

func newOrg(t *testing.T) *org {
	t.Helper()
	srv := sftest.NewServer(t)
	srv.AddSession("tok", "005X")
	client := salesforce.NewClient(salesforce.Options{
		InstanceURL: srv.URL,
		Token:       &oauth2.Token{AccessToken: "tok"},
	})
	for _, id := range []string{"005A", "005B", "005C", "005X", "005Y", "005Z"} {
		srv.Insert("User", sftest.Record{"Id": id, "Name": "user " + id, "FullPhotoUrl": "https://photos/" + id})
	}
	return &org{
		Server: srv,
		agg:    NewAggregator(client, identity.New(client, nil, zap.NewNop()), zap.NewNop()),
	}
}

func at(minute int) string {
	return time.Date(2024, 5, 1, 9, minute, 0, 0, time.UTC).Format(salesforce.TimeLayout)
}

func (o *org) item(caseID, author, visibility, body string, minute int) string {
	return o.Insert("FeedItem", sftest.Record{
		"ParentId":    caseID,
		"Body":        body,
		"CreatedById": author,
		"Visibility":  visibility,
		"CreatedDate": at(minute),
	})
}

func (o *org) comment(itemID, author, body string, deleted bool, minute int) string {
	return o.Insert("FeedComment", sftest.Record{
		"FeedItemId":  itemID,
		"CommentBody": body,
		"CreatedById": author,
		"IsDeleted":   deleted,
		"CreatedDate": at(minute),
	})
}

func TestViewThreadScenario(t *testing.T) {
	o := newOrg(t)
	o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005Y"})
	item := o.item("case1", "005Z", VisibilityAllUsers, "printer is on fire", 1)
	o.comment(item, "005X", "have you tried turning it off", false, 2)
	o.comment(item, "005Y", "spam", true, 3)

	thread, err := o.agg.ViewThread(context.Background(), "case1", "005X")
	require.NoError(t, err)
	require.Len(t, thread, 1)

	entry := thread[0]
	assert.Equal(t, "printer is on fire", entry.Item.Body)
	assert.False(t, entry.Item.Redacted)
	assert.Equal(t, "user 005Z", entry.Item.Author.DisplayName)
	assert.Equal(t, "https://photos/005Z?oauth_token=tok", entry.Item.Author.AvatarURL)
	require.Len(t, entry.Comments, 1)
	assert.Equal(t, "have you tried turning it off", entry.Comments[0].Body)
	assert.Equal(t, "user 005X", entry.Comments[0].Author.DisplayName)
}

func TestViewThreadVisibility(t *testing.T) {
	tests := []struct {
		name   string
		reader string
		want   string
	}{
		{"author", "005A", "internal note"},
		{"case owner", "005B", "internal note"},
		{"someone else", "005C", RedactionMarker},
		{"unknown reader", "", RedactionMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrg(t)
			o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005B"})
			o.item("case1", "005A", VisibilityInternalUsers, "internal note", 1)

			thread, err := o.agg.ViewThread(context.Background(), "case1", tt.reader)
			require.NoError(t, err)
			require.Len(t, thread, 1, "private items are never dropped")
			assert.Equal(t, tt.want, thread[0].Item.Body)
			assert.Equal(t, tt.want == RedactionMarker, thread[0].Item.Redacted)
			assert.Equal(t, "user 005A", thread[0].Item.Author.DisplayName)
		})
	}
}

func TestVisible(t *testing.T) {
	assert.True(t, Visible(VisibilityAllUsers, "a", "b", "c"))
	assert.True(t, Visible(VisibilityInternalUsers, "a", "b", "a"))
	assert.True(t, Visible(VisibilityInternalUsers, "a", "b", "b"))
	assert.False(t, Visible(VisibilityInternalUsers, "a", "b", "c"))
	assert.False(t, Visible("", "a", "b", "c"))
}

func TestViewThreadOrdering(t *testing.T) {
	o := newOrg(t)
	o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005B"})
	for _, minute := range []int{3, 7, 1, 6, 2, 5, 4} {
		o.item("case1", "005A", VisibilityAllUsers, fmt.Sprintf("post %d", minute), minute)
	}
	o.item("other", "005A", VisibilityAllUsers, "elsewhere", 59)

	newest := o.Records("FeedItem")[1]["Id"].(string) // minute 7
	o.comment(newest, "005A", "first", false, 10)
	o.comment(newest, "005B", "third", false, 30)
	o.comment(newest, "005C", "deleted", true, 40)
	o.comment(newest, "005C", "", false, 50)
	o.comment(newest, "005A", "second", false, 20)

	thread, err := o.agg.ViewThread(context.Background(), "case1", "005A")
	require.NoError(t, err)
	require.Len(t, thread, ItemLimit)

	for i, entry := range thread {
		assert.Equal(t, fmt.Sprintf("post %d", 7-i), entry.Item.Body)
		if i > 0 {
			assert.True(t, thread[i-1].Item.CreatedAt.After(entry.Item.CreatedAt))
		}
	}

	var bodies []string
	for _, c := range thread[0].Comments {
		bodies = append(bodies, c.Body)
	}
	assert.Equal(t, []string{"third", "second", "first"}, bodies)
	for _, entry := range thread[1:] {
		assert.Empty(t, entry.Comments)
	}
}

func TestViewThreadSkipsItemsWithoutBody(t *testing.T) {
	o := newOrg(t)
	o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005B"})
	o.item("case1", "005A", VisibilityAllUsers, "", 2)
	o.item("case1", "005A", VisibilityAllUsers, "kept", 1)

	thread, err := o.agg.ViewThread(context.Background(), "case1", "005A")
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "kept", thread[0].Item.Body)
	commentQueries := 0
	for _, q := range o.Queries() {
		if strings.Contains(q, "FROM FeedComment") {
			commentQueries++
		}
	}
	assert.Equal(t, 1, commentQueries, "comments are fetched only for surfaced items")
}

func TestViewThreadEmpty(t *testing.T) {
	o := newOrg(t)
	o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005B"})

	thread, err := o.agg.ViewThread(context.Background(), "case1", "005A")
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestViewThreadFailuresAbort(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(o *org)
		caseID    string
		wantInner error
	}{
		{
			name:   "comment lookup fails",
			caseID: "case1",
			setup:  func(o *org) { o.FailQueries("FeedComment", http.StatusInternalServerError) },
		},
		{
			name:   "feed lookup fails",
			caseID: "case1",
			setup:  func(o *org) { o.FailQueries("FeedItem", http.StatusServiceUnavailable) },
		},
		{
			name:      "author unknown",
			caseID:    "case1",
			setup:     func(o *org) { o.item("case1", "005GHOST", VisibilityAllUsers, "who wrote this", 9) },
			wantInner: apperr.ErrNotFound,
		},
		{
			name:      "case missing",
			caseID:    "nope",
			setup:     func(*org) {},
			wantInner: apperr.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrg(t)
			o.Insert("Case", sftest.Record{"Id": "case1", "OwnerId": "005B"})
			item := o.item("case1", "005A", VisibilityAllUsers, "fine", 1)
			o.comment(item, "005A", "also fine", false, 2)
			tt.setup(o)

			thread, err := o.agg.ViewThread(context.Background(), tt.caseID, "005A")
			require.Error(t, err)
			assert.Nil(t, thread, "no partial thread")
			assert.Equal(t, apperr.KindAggregation, apperr.KindOf(err))
			if tt.wantInner != nil {
				assert.True(t, errors.Is(err, tt.wantInner))
			}
		})
	}
}
