package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/salesforce"
)

const caseNumberDigits = 8

const escalatedSuffix = ", but it has been escalated to Engineering"

// FormatCaseNumber left-pads a numeric case number to the org's 8 digit
// format ("1234" becomes "00001234"). Anything else is returned trimmed.
func FormatCaseNumber(n string) string {
	n = strings.TrimPrefix(strings.TrimSpace(n), "#")
	if n == "" || len(n) >= caseNumberDigits {
		return n
	}
	for _, r := range n {
		if !unicode.IsDigit(r) {
			return n
		}
	}
	return strings.Repeat("0", caseNumberDigits-len(n)) + n
}

// CaseIDByNumber returns the record id of a case.
func (r *Repository) CaseIDByNumber(ctx context.Context, number string) (string, error) {
	number = FormatCaseNumber(number)
	q := salesforce.SOQL{
		Fields: []string{"Id"},
		From:   "Case",
		Where:  []salesforce.Condition{salesforce.Eq("CaseNumber", number)},
		Limit:  1,
	}
	var rows []caseRow
	if err := r.client.Query(ctx, q.String(), &rows); err != nil {
		return "", fmt.Errorf("look up case %s: %w", number, err)
	}
	if len(rows) == 0 {
		return "", apperr.NotFound("case", map[string]any{"caseNumber": number})
	}
	return rows[0].ID, nil
}

var valueFields = map[string]string{
	"status":      "Status",
	"priority":    "Priority",
	"subject":     "Subject",
	"description": "Description",
	"owner":       OwnerNameField,
}

// FieldName maps a chat alias (status, priority, subject, description,
// owner) to the Case field it reads.
func FieldName(alias string) (string, bool) {
	f, ok := valueFields[strings.ToLower(alias)]
	return f, ok
}

// FieldValue reads one field of a case by number. Escalated cases get a
// note appended.
func (r *Repository) FieldValue(ctx context.Context, number, alias string) (string, error) {
	field, ok := FieldName(alias)
	if !ok {
		return "", fmt.Errorf("unknown case field %q", alias)
	}
	number = FormatCaseNumber(number)
	q := salesforce.SOQL{
		Fields: []string{field, EscalationField},
		From:   "Case",
		Where:  []salesforce.Condition{salesforce.Eq("CaseNumber", number)},
		Limit:  1,
	}
	var rows []map[string]any
	if err := r.client.Query(ctx, q.String(), &rows); err != nil {
		return "", fmt.Errorf("read %s of case %s: %w", alias, number, err)
	}
	if len(rows) == 0 {
		return "", apperr.NotFound("case", map[string]any{"caseNumber": number})
	}

	value := ""
	if v := rows[0][field]; v != nil {
		value = fmt.Sprint(v)
	}
	if escalated, _ := rows[0][EscalationField].(bool); escalated {
		value += escalatedSuffix
	}
	return value, nil
}

// CreateComment posts a public text post on a case feed and returns its id.
func (r *Repository) CreateComment(ctx context.Context, caseID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("comment body is empty")
	}
	res, err := r.client.Create(ctx, "FeedItem", map[string]any{
		"Body":         body,
		"ParentId":     caseID,
		"Type":         "TextPost",
		"NetworkScope": "AllNetworks",
		"Visibility":   "AllUsers",
		"Status":       "Published",
	})
	if err != nil {
		return "", apperr.ExternalWrite("create comment", err)
	}
	if err := res.Err(); err != nil {
		return "", apperr.ExternalWrite("create comment", err)
	}
	return res.ID, nil
}

// Article is a published knowledge article.
type Article struct {
	ID            string    `json:"id"`
	ArticleNumber string    `json:"articleNumber"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	PublishedAt   time.Time `json:"publishedAt"`
	DetailURL     string    `json:"detailUrl"`
}

// KnowledgeArticles runs a full-text search over the latest published
// English articles.
func (r *Repository) KnowledgeArticles(ctx context.Context, text string) ([]Article, error) {
	term := strings.TrimSpace(strings.ReplaceAll(text, "-", " "))
	if term == "" {
		return nil, errors.New("search text is empty")
	}
	s := salesforce.SOSL{
		Term:   term,
		Object: "Knowledge_2__kav",
		Fields: []string{"Id", "UrlName", "Title", "Summary", "LastPublishedDate", "ArticleNumber"},
		Where: []salesforce.Condition{
			salesforce.Eq("PublishStatus", "online"),
			salesforce.Eq("Language", "en_US"),
			salesforce.Eq("IsLatestVersion", true),
		},
	}
	var rows []struct {
		ID                string          `json:"Id"`
		URLName           string          `json:"UrlName"`
		Title             string          `json:"Title"`
		Summary           string          `json:"Summary"`
		LastPublishedDate salesforce.Time `json:"LastPublishedDate"`
		ArticleNumber     string          `json:"ArticleNumber"`
	}
	if err := r.client.Search(ctx, s.String(), &rows); err != nil {
		return nil, fmt.Errorf("search knowledge articles: %w", err)
	}

	out := make([]Article, 0, len(rows))
	for _, row := range rows {
		out = append(out, Article{
			ID:            row.ID,
			ArticleNumber: row.ArticleNumber,
			Title:         row.Title,
			Summary:       row.Summary,
			PublishedAt:   row.LastPublishedDate.Time,
			DetailURL:     r.DetailURL(row.URLName),
		})
	}
	return out, nil
}

// Usage is the org's daily API request consumption.
type Usage struct {
	Used  int
	Limit int
}

func (u Usage) String() string {
	return fmt.Sprintf("You have used %d/%d of your API calls from Salesforce", u.Used, u.Limit)
}

// APIUsage reports the daily API request limit and how much of it is used.
func (r *Repository) APIUsage(ctx context.Context) (Usage, error) {
	limits, err := r.client.Limits(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read org limits: %w", err)
	}
	daily, ok := limits["DailyApiRequests"]
	if !ok {
		return Usage{}, apperr.NotFound("DailyApiRequests limit", nil)
	}
	return Usage{Used: daily.Max - daily.Remaining, Limit: daily.Max}, nil
}
