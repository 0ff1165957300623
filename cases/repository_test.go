package cases

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
	"github.com/justmike1/casebot/salesforce"
	"github.com/justmike1/casebot/salesforce/sftest"
)

var testTypes = RecordTypeIDs{
	Incident: "012INC",
	Change:   "012CHG",
	Problem:  "012PRB",
	Release:  "012REL",
}

type requesterFunc func(ctx context.Context, chatUserID string) (string, error)

func (f requesterFunc) ExternalIDForChatUser(ctx context.Context, chatUserID string) (string, error) {
	return f(ctx, chatUserID)
}

func knownRequester(_ context.Context, chatUserID string) (string, error) {
	if chatUserID == "U1" {
		return "005REQ", nil
	}
	return "", apperr.NotFound("linked Salesforce user", nil)
}

func newRepo(t *testing.T) (*Repository, *sftest.Server) {
	t.Helper()
	srv := sftest.NewServer(t)
	srv.AddSession("tok", "005ME")
	client := salesforce.NewClient(salesforce.Options{
		InstanceURL: srv.URL,
		Token:       &oauth2.Token{AccessToken: "tok"},
	})
	return NewRepository(client, requesterFunc(knownRequester), testTypes, zap.NewNop()), srv
}

func stamp(minutes int) string {
	return time.Date(2024, 5, 1, 9, minutes, 0, 0, time.UTC).Format(salesforce.TimeLayout)
}

func TestCreateCase(t *testing.T) {
	repo, srv := newRepo(t)
	srv.SetNextCaseNumber("CS-1001")

	c, err := repo.CreateCase(context.Background(), "Printer down", "U1", "desc", Problem)
	require.NoError(t, err)

	rows := srv.Records("Case")
	require.Len(t, rows, 1)
	id := rows[0]["Id"].(string)

	assert.Equal(t, id, c.ID)
	assert.Equal(t, "CS-1001", c.CaseNumber)
	assert.Equal(t, "Printer down", c.Subject)
	assert.Equal(t, "desc", c.Description)
	assert.Equal(t, Problem, c.RecordType)
	assert.Equal(t, srv.URL+"/"+id, c.DetailURL)
	assert.True(t, c.RecordTypeMatch)
	assert.False(t, c.CreatedAt.IsZero())

	assert.Equal(t, "012PRB", rows[0]["RecordTypeId"])
	assert.Equal(t, "Slack", rows[0]["Origin"])
	assert.Equal(t, "005REQ", rows[0][RequesterField])
	assert.Equal(t, 1, srv.Count("create:Case"))
	assert.Equal(t, 1, srv.Count("retrieve:Case"))
}

func TestCreateCaseRejected(t *testing.T) {
	repo, srv := newRepo(t)
	srv.FailWrites("REQUIRED_FIELD_MISSING", "Required fields are missing: [Subject]")

	_, err := repo.CreateCase(context.Background(), "", "U1", "desc", Incident)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrExternalWrite))
	assert.Contains(t, err.Error(), "REQUIRED_FIELD_MISSING")
	assert.Zero(t, srv.Count("retrieve:Case"))
}

func TestCreateCaseUnknownRequester(t *testing.T) {
	repo, srv := newRepo(t)

	_, err := repo.CreateCase(context.Background(), "Printer down", "U404", "desc", Incident)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Zero(t, srv.Count("create:Case"))
}

func TestCreateCaseRequiresConcreteType(t *testing.T) {
	repo, srv := newRepo(t)

	_, err := repo.CreateCase(context.Background(), "x", "U1", "", AnyType)
	require.Error(t, err)
	assert.Zero(t, srv.Count("create:Case"))
}

func TestUpdateCase(t *testing.T) {
	repo, srv := newRepo(t)
	id := srv.Insert("Case", sftest.Record{"Status": "New"})

	require.NoError(t, repo.UpdateCase(context.Background(), id, map[string]any{"Status": "Closed"}))
	assert.Equal(t, "Closed", srv.Records("Case")[0]["Status"])

	err := repo.UpdateCase(context.Background(), "500MISSING", map[string]any{"Status": "Closed"})
	assert.True(t, errors.Is(err, apperr.ErrExternalWrite))

	assert.Error(t, repo.UpdateCase(context.Background(), id, nil))

	srv.FailWrites("FIELD_CUSTOM_VALIDATION_EXCEPTION", "Status cannot go backwards")
	err = repo.UpdateCase(context.Background(), id, map[string]any{"Status": "New"})
	assert.True(t, errors.Is(err, apperr.ErrExternalWrite))
	assert.Contains(t, err.Error(), "Status cannot go backwards")
}

func TestSearchStructured(t *testing.T) {
	repo, srv := newRepo(t)
	for i := 1; i <= 7; i++ {
		srv.Insert("Case", sftest.Record{
			"CaseNumber":       fmt.Sprintf("%08d", i),
			"Subject":          fmt.Sprintf("problem %d", i),
			"RecordTypeId":     "012PRB",
			"LastModifiedDate": stamp(i),
			OwnerNameField:     "Alex Kim",
		})
	}
	srv.Insert("Case", sftest.Record{"CaseNumber": "00000100", "RecordTypeId": "012INC", "LastModifiedDate": stamp(30)})

	got, err := repo.Search(context.Background(), Criteria{RecordType: Problem})
	require.NoError(t, err)
	require.Len(t, got, PageSize)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("%08d", 7-i), c.CaseNumber)
		assert.Equal(t, Problem, c.RecordType)
		assert.Equal(t, srv.URL+"/"+c.ID, c.DetailURL)
		assert.True(t, c.RecordTypeMatch)
	}

	queries := srv.Queries()
	assert.True(t, strings.HasSuffix(queries[len(queries)-1], "ORDER BY LastModifiedDate DESC LIMIT 5"))
	assert.Zero(t, srv.Count("search"))
}

func TestSearchByOwner(t *testing.T) {
	repo, srv := newRepo(t)
	srv.Insert("Case", sftest.Record{"RecordTypeId": "012INC", OwnerNameField: "Alex Kim"})
	srv.Insert("Case", sftest.Record{"RecordTypeId": "012INC", OwnerNameField: "Sam O'Neil"})

	got, err := repo.Search(context.Background(), Criteria{RecordType: Incident, OwnerName: "Sam O'Neil"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sam O'Neil", got[0].OwnerName)
}

func TestSearchFullText(t *testing.T) {
	repo, srv := newRepo(t)
	srv.Insert("Case", sftest.Record{"Subject": "Printer down on 3rd floor", "RecordTypeId": "012INC"})
	srv.Insert("Case", sftest.Record{"Subject": "Printer toner", "RecordTypeId": "012PRB"})
	srv.Insert("Case", sftest.Record{"Subject": "VPN", "RecordTypeId": "012INC"})

	got, err := repo.Search(context.Background(), Criteria{RecordType: Incident, Subject: "printer"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Printer down on 3rd floor", got[0].Subject)
	assert.Equal(t, 1, srv.Count("search"))
	assert.Zero(t, srv.Count("query"))
}

func TestSearchFullTextReturnsEveryHit(t *testing.T) {
	repo, srv := newRepo(t)
	for i := 0; i < PageSize+3; i++ {
		srv.Insert("Case", sftest.Record{"Subject": fmt.Sprintf("printer jam %d", i), "RecordTypeId": "012INC"})
	}

	got, err := repo.Search(context.Background(), Criteria{RecordType: Incident, Subject: "printer"})
	require.NoError(t, err)
	assert.Len(t, got, PageSize+3)
	queries := srv.Queries()
	require.NotEmpty(t, queries)
	assert.NotContains(t, queries[len(queries)-1], "LIMIT")
}

func TestSearchFailure(t *testing.T) {
	repo, srv := newRepo(t)
	srv.FailQueries("Case", http.StatusInternalServerError)

	_, err := repo.Search(context.Background(), Criteria{})
	require.Error(t, err)
	assert.Empty(t, apperr.KindOf(err))
}

func TestGetSingleFlagsTypeMismatch(t *testing.T) {
	repo, srv := newRepo(t)
	srv.Insert("Case", sftest.Record{"CaseNumber": "00001001", "RecordTypeId": "012PRB", "Status": "New"})

	c, err := repo.GetSingle(context.Background(), Criteria{CaseNumber: "1001", RecordType: Incident})
	require.NoError(t, err)
	assert.False(t, c.RecordTypeMatch)
	assert.Equal(t, Problem, c.RecordType)

	c, err = repo.GetSingle(context.Background(), Criteria{CaseNumber: "1001", RecordType: Problem})
	require.NoError(t, err)
	assert.True(t, c.RecordTypeMatch)

	c, err = repo.GetSingle(context.Background(), Criteria{CaseNumber: "1001"})
	require.NoError(t, err)
	assert.True(t, c.RecordTypeMatch)
}

func TestGetSingleNotFound(t *testing.T) {
	repo, _ := newRepo(t)

	_, err := repo.GetSingle(context.Background(), Criteria{CaseNumber: "999"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestFieldValue(t *testing.T) {
	repo, srv := newRepo(t)
	srv.Insert("Case", sftest.Record{"CaseNumber": "00000042", "Status": "Working", OwnerNameField: "Alex Kim", EscalationField: false})
	srv.Insert("Case", sftest.Record{"CaseNumber": "00000043", "Status": "On Hold", EscalationField: true})

	v, err := repo.FieldValue(context.Background(), "42", "status")
	require.NoError(t, err)
	assert.Equal(t, "Working", v)

	v, err = repo.FieldValue(context.Background(), "42", "Owner")
	require.NoError(t, err)
	assert.Equal(t, "Alex Kim", v)

	v, err = repo.FieldValue(context.Background(), "43", "status")
	require.NoError(t, err)
	assert.Equal(t, "On Hold, but it has been escalated to Engineering", v)

	_, err = repo.FieldValue(context.Background(), "42", "color")
	assert.Error(t, err)

	_, err = repo.FieldValue(context.Background(), "44", "status")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCaseIDByNumber(t *testing.T) {
	repo, srv := newRepo(t)
	id := srv.Insert("Case", sftest.Record{"CaseNumber": "00001234"})

	got, err := repo.CaseIDByNumber(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = repo.CaseIDByNumber(context.Background(), "4321")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestFormatCaseNumber(t *testing.T) {
	tests := map[string]string{
		"1234":      "00001234",
		"#7":        "00000007",
		" 00001234": "00001234",
		"123456789": "123456789",
		"CS-1001":   "CS-1001",
		"":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatCaseNumber(in), "input %q", in)
	}
}

func TestCreateComment(t *testing.T) {
	repo, srv := newRepo(t)
	caseID := srv.Insert("Case", sftest.Record{"CaseNumber": "00000001"})

	id, err := repo.CreateComment(context.Background(), caseID, "rebooted it")
	require.NoError(t, err)

	items := srv.Records("FeedItem")
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0]["Id"])
	assert.Equal(t, caseID, items[0]["ParentId"])
	assert.Equal(t, "AllUsers", items[0]["Visibility"])
	assert.Equal(t, "TextPost", items[0]["Type"])

	_, err = repo.CreateComment(context.Background(), caseID, "  ")
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Count("create:FeedItem"))
}

func TestKnowledgeArticles(t *testing.T) {
	repo, srv := newRepo(t)
	published := sftest.Record{
		"Title": "Reset your VPN token", "UrlName": "Reset-VPN-Token", "ArticleNumber": "000001",
		"PublishStatus": "online", "Language": "en_US", "IsLatestVersion": true,
		"LastPublishedDate": stamp(0),
	}
	srv.Insert("Knowledge_2__kav", published)
	srv.Insert("Knowledge_2__kav", sftest.Record{
		"Title": "VPN token draft", "UrlName": "draft", "PublishStatus": "draft", "Language": "en_US", "IsLatestVersion": true,
	})

	got, err := repo.KnowledgeArticles(context.Background(), "vpn-token")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Reset your VPN token", got[0].Title)
	assert.Equal(t, srv.URL+"/Reset-VPN-Token", got[0].DetailURL)
	assert.Contains(t, srv.Queries()[0], "FIND {vpn token}")

	_, err = repo.KnowledgeArticles(context.Background(), " - ")
	assert.Error(t, err)
}

func TestAPIUsage(t *testing.T) {
	repo, _ := newRepo(t)

	u, err := repo.APIUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Usage{Used: 750, Limit: 15000}, u)
	assert.Equal(t, "You have used 750/15000 of your API calls from Salesforce", u.String())
}

func TestParseRecordType(t *testing.T) {
	for in, want := range map[string]RecordType{
		"incident": Incident, "Problems": Problem, " CHANGE ": Change, "release": Release,
	} {
		got, err := ParseRecordType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRecordType("service request")
	assert.Error(t, err)
}

func TestNewRecordTypeIDs(t *testing.T) {
	ids, err := NewRecordTypeIDs(map[string]string{"Incident": "1", "Change": "2", "Problem": "3", "Release": "4"})
	require.NoError(t, err)
	assert.Equal(t, Problem, ids.TypeOf("3"))
	assert.Equal(t, AnyType, ids.TypeOf("9"))

	_, err = NewRecordTypeIDs(map[string]string{"Incident": "1"})
	assert.Error(t, err)
}
