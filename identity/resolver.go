// Package identity maps Salesforce users to what the bot shows in chat and
// back: display names, avatars and external ids.
package identity

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/credentials"
	"github.com/justmike1/casebot/salesforce"
)

// FullNameField is the managed-package field holding a user's full name.
const FullNameField = "SamanageESD__FullName__c"

// Querier is the part of the Salesforce client the resolver needs.
type Querier interface {
	Query(ctx context.Context, soql string, out any) error
	AccessToken() string
}

// Author is the projection of a user shown next to a post or comment.
type Author struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type userRow struct {
	ID           string `json:"Id"`
	Name         string `json:"Name"`
	FullName     string `json:"SamanageESD__FullName__c"`
	FullPhotoURL string `json:"FullPhotoUrl"`
}

// Resolver looks users up for one connection. Authors are cached for the
// resolver's lifetime, which is one chat operation.
type Resolver struct {
	client Querier
	store  credentials.Store
	logger *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	authors map[string]Author
}

func New(client Querier, store credentials.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:  client,
		store:   store,
		logger:  logger.Named("identity"),
		authors: make(map[string]Author),
	}
}

// ByExternalID returns the author for a Salesforce user id. The avatar URL
// carries the session token so chat clients can fetch the photo.
func (r *Resolver) ByExternalID(ctx context.Context, id string) (Author, error) {
	r.mu.Lock()
	a, ok := r.authors[id]
	r.mu.Unlock()
	if ok {
		return a, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		return r.lookupAuthor(ctx, id)
	})
	if err != nil {
		return Author{}, err
	}
	a = v.(Author)

	r.mu.Lock()
	r.authors[id] = a
	r.mu.Unlock()
	return a, nil
}

func (r *Resolver) lookupAuthor(ctx context.Context, id string) (Author, error) {
	row, err := r.userByID(ctx, id, "Name", "FullPhotoUrl")
	if err != nil {
		return Author{}, err
	}
	a := Author{DisplayName: row.Name}
	if row.FullPhotoURL != "" {
		a.AvatarURL = row.FullPhotoURL + "?oauth_token=" + r.client.AccessToken()
	}
	return a, nil
}

// DisplayNameByID returns the user's full name, falling back to Name.
func (r *Resolver) DisplayNameByID(ctx context.Context, id string) (string, error) {
	row, err := r.userByID(ctx, id, "Name", FullNameField)
	if err != nil {
		return "", err
	}
	if row.FullName != "" {
		return row.FullName, nil
	}
	return row.Name, nil
}

func (r *Resolver) userByID(ctx context.Context, id string, fields ...string) (*userRow, error) {
	q := salesforce.SOQL{
		Fields: append([]string{"Id"}, fields...),
		From:   "User",
		Where:  []salesforce.Condition{salesforce.Eq("Id", id)},
		Limit:  1,
	}
	var rows []userRow
	if err := r.client.Query(ctx, q.String(), &rows); err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("user", map[string]any{"id": id})
	}
	return &rows[0], nil
}

// ExternalIDByDisplayName finds a user by exact full name. When several
// users share the name the first one returned wins.
func (r *Resolver) ExternalIDByDisplayName(ctx context.Context, name string) (string, error) {
	q := salesforce.SOQL{
		Fields: []string{"Id"},
		From:   "User",
		Where:  []salesforce.Condition{salesforce.Eq(FullNameField, name)},
		Limit:  2,
	}
	var rows []userRow
	if err := r.client.Query(ctx, q.String(), &rows); err != nil {
		return "", fmt.Errorf("query user by name: %w", err)
	}
	switch len(rows) {
	case 0:
		return "", apperr.NotFound("user", map[string]any{"name": name})
	case 1:
	default:
		r.logger.Warn("display name is ambiguous, using first match",
			zap.String("name", name), zap.String("id", rows[0].ID))
	}
	return rows[0].ID, nil
}

// ExternalIDForChatUser returns the Salesforce user id stored with a chat
// user's credential.
func (r *Resolver) ExternalIDForChatUser(ctx context.Context, chatUserID string) (string, error) {
	rec, err := r.store.Get(ctx, chatUserID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if rec == nil || rec.ExternalUserID == "" {
		return "", apperr.NotFound("linked Salesforce user", map[string]any{"chatUserId": chatUserID})
	}
	return rec.ExternalUserID, nil
}
