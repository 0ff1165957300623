// Package cases reads and writes Case records through a Salesforce
// connection.
package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/salesforce"
)

const (
	// PageSize caps structured searches.
	PageSize = 5

	OwnerNameField   = "SamanageESD__OwnerName__c"
	RequesterField   = "SamanageESD__RequesterUser__c"
	HasCommentsField = "SamanageESD__hasComments__c"
	EscalationField  = "Engineering_Escalation__c"
)

var caseFields = []string{
	"Id", "CaseNumber", "Subject", "Description", "CreatedDate", "OwnerId",
	OwnerNameField, "Priority", "Status", HasCommentsField, "RecordTypeId",
}

// Client is the part of the Salesforce client the repository uses.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	Search(ctx context.Context, sosl string, out any) error
	Create(ctx context.Context, object string, fields map[string]any) (*salesforce.SaveResult, error)
	Retrieve(ctx context.Context, object, id string, fields []string, out any) error
	Update(ctx context.Context, object, id string, fields map[string]any) error
	Limits(ctx context.Context) (map[string]salesforce.Limit, error)
	InstanceURL() string
}

// Requesters finds the Salesforce user behind a chat user.
type Requesters interface {
	ExternalIDForChatUser(ctx context.Context, chatUserID string) (string, error)
}

// Case is a ticket of one of the RecordTypes.
type Case struct {
	ID              string     `json:"id"`
	CaseNumber      string     `json:"caseNumber"`
	Subject         string     `json:"subject"`
	Description     string     `json:"description"`
	RecordType      RecordType `json:"recordType"`
	OwnerID         string     `json:"ownerId"`
	OwnerName       string     `json:"ownerName"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	CreatedAt       time.Time  `json:"createdAt"`
	HasComments     bool       `json:"hasComments"`
	DetailURL       string     `json:"detailUrl"`
	RecordTypeMatch bool       `json:"recordTypeMatch"`
}

type caseRow struct {
	ID           string          `json:"Id"`
	CaseNumber   string          `json:"CaseNumber"`
	Subject      string          `json:"Subject"`
	Description  string          `json:"Description"`
	CreatedDate  salesforce.Time `json:"CreatedDate"`
	OwnerID      string          `json:"OwnerId"`
	OwnerName    string          `json:"SamanageESD__OwnerName__c"`
	Priority     string          `json:"Priority"`
	Status       string          `json:"Status"`
	HasComments  bool            `json:"SamanageESD__hasComments__c"`
	RecordTypeID string          `json:"RecordTypeId"`
}

// Criteria filters searches. Zero values are ignored. A Subject switches a
// search to full-text.
type Criteria struct {
	RecordType RecordType
	Subject    string
	OwnerName  string
	CaseNumber string
	Status     string
	Priority   string
}

type Repository struct {
	client     Client
	requesters Requesters
	types      RecordTypeIDs
	logger     *zap.Logger
}

func NewRepository(client Client, requesters Requesters, types RecordTypeIDs, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{client: client, requesters: requesters, types: types, logger: logger.Named("cases")}
}

// CreateCase opens a case on behalf of a chat user. The case number is read
// back with a second request when the create response lacks it; if that
// read fails the case is still returned, without a number.
func (r *Repository) CreateCase(ctx context.Context, subject, requesterChatUserID, description string, rt RecordType) (*Case, error) {
	typeID, ok := r.types[rt]
	if !ok {
		return nil, fmt.Errorf("cannot create a case of type %s", rt)
	}
	requester, err := r.requesters.ExternalIDForChatUser(ctx, requesterChatUserID)
	if err != nil {
		return nil, err
	}

	res, err := r.client.Create(ctx, "Case", map[string]any{
		"Subject":      subject,
		"Description":  description,
		RequesterField: requester,
		"RecordTypeId": typeID,
		"Origin":       "Slack",
	})
	if err != nil {
		return nil, apperr.ExternalWrite("create case", err)
	}
	if err := res.Err(); err != nil {
		return nil, apperr.ExternalWrite("create case", err)
	}

	c := &Case{
		ID:              res.ID,
		Subject:         subject,
		Description:     description,
		RecordType:      rt,
		DetailURL:       r.DetailURL(res.ID),
		RecordTypeMatch: true,
	}

	var row caseRow
	if err := r.client.Retrieve(ctx, "Case", res.ID, []string{"CaseNumber", "CreatedDate", "OwnerId", OwnerNameField, "Status", "Priority"}, &row); err != nil {
		r.logger.Warn("created case but could not read it back", zap.String("id", res.ID), zap.Error(err))
		return c, nil
	}
	c.CaseNumber = row.CaseNumber
	c.CreatedAt = row.CreatedDate.Time
	c.OwnerID = row.OwnerID
	c.OwnerName = row.OwnerName
	c.Status = row.Status
	c.Priority = row.Priority

	r.logger.Info("created case", zap.String("id", c.ID), zap.String("number", c.CaseNumber), zap.Stringer("type", rt))
	return c, nil
}

// UpdateCase applies a partial update.
func (r *Repository) UpdateCase(ctx context.Context, caseID string, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("no fields to update")
	}
	if err := r.client.Update(ctx, "Case", caseID, fields); err != nil {
		return apperr.ExternalWrite("update case", err)
	}
	return nil
}

// Search without a Subject returns at most PageSize cases, most recently
// modified first. With a Subject it runs a full-text search and returns every
// hit in the engine's order.
func (r *Repository) Search(ctx context.Context, c Criteria) ([]Case, error) {
	conds := r.conditions(c, true)
	limit := PageSize
	if c.Subject != "" {
		limit = 0
	}
	rows, err := r.find(ctx, c.Subject, conds, limit)
	if err != nil {
		return nil, fmt.Errorf("search cases: %w", err)
	}
	out := make([]Case, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.toCase(row, c.RecordType))
	}
	return out, nil
}

// GetSingle returns the first case matching c. The record type is not used
// as a filter: RecordTypeMatch tells whether the case has the requested type.
func (r *Repository) GetSingle(ctx context.Context, c Criteria) (*Case, error) {
	conds := r.conditions(c, false)
	rows, err := r.find(ctx, c.Subject, conds, 1)
	if err != nil {
		return nil, fmt.Errorf("find case: %w", err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("case", criteriaDetails(c))
	}
	found := r.toCase(rows[0], c.RecordType)
	if !found.RecordTypeMatch {
		r.logger.Debug("type mismatch", zap.String("id", found.ID), zap.Stringer("want", c.RecordType), zap.Stringer("got", found.RecordType))
	}
	return &found, nil
}

func (r *Repository) find(ctx context.Context, subject string, conds []salesforce.Condition, limit int) ([]caseRow, error) {
	var rows []caseRow
	if subject != "" {
		s := salesforce.SOSL{Term: subject, Object: "Case", Fields: caseFields, Where: conds, Limit: limit}
		if err := r.client.Search(ctx, s.String(), &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	q := salesforce.SOQL{
		Fields:     caseFields,
		From:       "Case",
		Where:      conds,
		OrderBy:    "LastModifiedDate",
		Descending: true,
		Limit:      limit,
	}
	if err := r.client.Query(ctx, q.String(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) conditions(c Criteria, byType bool) []salesforce.Condition {
	var conds []salesforce.Condition
	if byType && c.RecordType != AnyType {
		conds = append(conds, salesforce.Eq("RecordTypeId", r.types[c.RecordType]))
	}
	if c.OwnerName != "" {
		conds = append(conds, salesforce.Eq(OwnerNameField, c.OwnerName))
	}
	if c.CaseNumber != "" {
		conds = append(conds, salesforce.Eq("CaseNumber", FormatCaseNumber(c.CaseNumber)))
	}
	if c.Status != "" {
		conds = append(conds, salesforce.Eq("Status", c.Status))
	}
	if c.Priority != "" {
		conds = append(conds, salesforce.Eq("Priority", c.Priority))
	}
	return conds
}

func (r *Repository) toCase(row caseRow, want RecordType) Case {
	got := r.types.TypeOf(row.RecordTypeID)
	return Case{
		ID:              row.ID,
		CaseNumber:      row.CaseNumber,
		Subject:         row.Subject,
		Description:     row.Description,
		RecordType:      got,
		OwnerID:         row.OwnerID,
		OwnerName:       row.OwnerName,
		Status:          row.Status,
		Priority:        row.Priority,
		CreatedAt:       row.CreatedDate.Time,
		HasComments:     row.HasComments,
		DetailURL:       r.DetailURL(row.ID),
		RecordTypeMatch: want == AnyType || want == got,
	}
}

// DetailURL links to a record in the Salesforce UI.
func (r *Repository) DetailURL(id string) string {
	return strings.TrimRight(r.client.InstanceURL(), "/") + "/" + id
}

func criteriaDetails(c Criteria) map[string]any {
	d := map[string]any{}
	if c.RecordType != AnyType {
		d["recordType"] = c.RecordType.String()
	}
	if c.CaseNumber != "" {
		d["caseNumber"] = FormatCaseNumber(c.CaseNumber)
	}
	if c.Subject != "" {
		d["subject"] = c.Subject
	}
	if c.OwnerName != "" {
		d["owner"] = c.OwnerName
	}
	return d
}
