// Package sftest provides an in-process fake of the Salesforce OAuth and
// REST endpoints the bot uses. It understands the SOQL and SOSL produced by
// the salesforce package builders: equality filters joined by AND,
// a single ORDER BY column and LIMIT.
package sftest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/justmike1/casebot/salesforce"
)

// Record is one sObject row.
type Record map[string]any

// Grant is what the token endpoint hands out for a refresh token or code.
type Grant struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string // defaults to the server URL
	UserID       string
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	sessions    map[string]string // access token -> user id
	refresh     map[string]Grant
	codes       map[string]Grant
	objects     map[string][]Record
	seq         int
	caseNumbers []string
	failQueries map[string]int
	failWrites  *writeFailure
	counts      map[string]int
	lastQueries []string
}

type writeFailure struct {
	code    string
	message string
}

// NewServer starts a fake org and closes it when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		sessions:    make(map[string]string),
		refresh:     make(map[string]Grant),
		codes:       make(map[string]Grant),
		objects:     make(map[string][]Record),
		failQueries: make(map[string]int),
		counts:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", s.handleToken)
	mux.HandleFunc("GET /services/oauth2/userinfo", s.authed(s.handleUserInfo))
	mux.HandleFunc("GET /services/data/{version}/query", s.authed(s.handleQuery))
	mux.HandleFunc("GET /services/data/{version}/search", s.authed(s.handleSearch))
	mux.HandleFunc("GET /services/data/{version}/limits", s.authed(s.handleLimits))
	mux.HandleFunc("POST /services/data/{version}/sobjects/{object}", s.authed(s.handleCreate))
	mux.HandleFunc("GET /services/data/{version}/sobjects/{object}/{id}", s.authed(s.handleRetrieve))
	mux.HandleFunc("PATCH /services/data/{version}/sobjects/{object}/{id}", s.authed(s.handleUpdate))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddSession makes accessToken valid for userID.
func (s *Server) AddSession(accessToken, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[accessToken] = userID
}

// RevokeSession expires accessToken.
func (s *Server) RevokeSession(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accessToken)
}

// AddRefreshGrant makes refreshToken exchangeable for g. The new access token
// becomes a valid session when the grant is used.
func (s *Server) AddRefreshGrant(refreshToken string, g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[refreshToken] = g
}

// AddAuthCode makes an authorization code exchangeable for g.
func (s *Server) AddAuthCode(code string, g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = g
}

// Insert stores a row and returns its Id, assigning one when missing.
func (s *Server) Insert(object string, rec Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(object, rec)
}

func (s *Server) insertLocked(object string, rec Record) string {
	row := make(Record, len(rec)+1)
	for k, v := range rec {
		row[k] = v
	}
	if _, ok := row["Id"]; !ok {
		s.seq++
		row["Id"] = fmt.Sprintf("%s%012d", idPrefix(object), s.seq)
	}
	s.objects[object] = append(s.objects[object], row)
	return row["Id"].(string)
}

// Records returns copies of all rows of an object.
func (s *Server) Records(object string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.objects[object]))
	for _, r := range s.objects[object] {
		out = append(out, copyRecord(r))
	}
	return out
}

// SetNextCaseNumber queues the CaseNumber assigned to the next created Case.
func (s *Server) SetNextCaseNumber(number string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caseNumbers = append(s.caseNumbers, number)
}

// FailQueries makes every query or search touching object answer status.
func (s *Server) FailQueries(object string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failQueries[object] = status
}

// FailWrites makes creates and updates answer 400 with the given error.
func (s *Server) FailWrites(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = &writeFailure{code: code, message: message}
}

// Count returns how often an endpoint was hit. Keys are "token",
// "userinfo", "query", "search", "create:<Object>", "retrieve:<Object>",
// "update:<Object>" and "limits".
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// Queries returns the SOQL and SOSL strings received so far.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastQueries...)
}

func (s *Server) hit(key string) {
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
}

func idPrefix(object string) string {
	switch object {
	case "Case":
		return "500"
	case "FeedItem":
		return "0D5"
	case "FeedComment":
		return "0D7"
	case "User":
		return "005"
	default:
		return "a00"
	}
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, []map[string]string{{"errorCode": code, "message": message}})
}

func (s *Server) authed(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.sessions[token]
		s.mu.Unlock()
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "INVALID_SESSION_ID", "Session expired or invalid")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.hit("token")
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	var (
		g  Grant
		ok bool
	)
	s.mu.Lock()
	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		g, ok = s.refresh[r.PostForm.Get("refresh_token")]
	case "authorization_code":
		g, ok = s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
	}
	if ok {
		s.sessions[g.AccessToken] = g.UserID
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "expired access/refresh token",
		})
		return
	}

	instanceURL := g.InstanceURL
	if instanceURL == "" {
		instanceURL = s.URL
	}
	resp := map[string]string{
		"access_token": g.AccessToken,
		"instance_url": instanceURL,
		"id":           s.URL + "/id/00Dfake/" + g.UserID,
		"token_type":   "Bearer",
		"issued_at":    fmt.Sprint(time.Now().UnixMilli()),
		"signature":    "fake",
	}
	if g.RefreshToken != "" {
		resp["refresh_token"] = g.RefreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, _ *http.Request, userID string) {
	s.hit("userinfo")
	name := ""
	for _, u := range s.Records("User") {
		if u["Id"] == userID {
			name, _ = u["Name"].(string)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":         userID,
		"organization_id": "00Dfake",
		"name":            name,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ string) {
	s.hit("query")
	soql := r.URL.Query().Get("q")
	s.recordQuery(soql)

	q, err := parseSOQL(soql)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "MALFORMED_QUERY", err.Error())
		return
	}
	if status := s.failureFor(q.object); status != 0 {
		writeAPIError(w, status, "UNKNOWN_EXCEPTION", "injected failure")
		return
	}

	rows := s.selectRows(q.object, func(rec Record) bool { return matchAll(rec, q.where) })
	if q.orderBy != "" {
		sortRows(rows, q.orderBy, q.desc)
	}
	if q.limit > 0 && len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalSize": len(rows),
		"done":      true,
		"records":   withAttributes(q.object, rows),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ string) {
	s.hit("search")
	sosl := r.URL.Query().Get("q")
	s.recordQuery(sosl)

	q, err := parseSOSL(sosl)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "MALFORMED_SEARCH", err.Error())
		return
	}
	if status := s.failureFor(q.object); status != 0 {
		writeAPIError(w, status, "UNKNOWN_EXCEPTION", "injected failure")
		return
	}

	term := strings.ToLower(q.term)
	rows := s.selectRows(q.object, func(rec Record) bool {
		if !matchAll(rec, q.where) {
			return false
		}
		for _, v := range rec {
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), term) {
				return true
			}
		}
		return false
	})
	if q.limit > 0 && len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"searchRecords": withAttributes(q.object, rows)})
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request, _ string) {
	s.hit("limits")
	writeJSON(w, http.StatusOK, map[string]any{
		"DailyApiRequests": map[string]int{"Max": 15000, "Remaining": 14250},
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ string) {
	object := r.PathValue("object")
	s.hit("create:" + object)

	var fields Record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeAPIError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		writeAPIError(w, http.StatusBadRequest, s.failWrites.code, s.failWrites.message)
		return
	}

	now := time.Now().UTC().Format(salesforce.TimeLayout)
	fields["CreatedDate"] = now
	fields["LastModifiedDate"] = now
	if object == "Case" {
		number := fmt.Sprintf("%08d", 1000+s.seq+1)
		if len(s.caseNumbers) > 0 {
			number, s.caseNumbers = s.caseNumbers[0], s.caseNumbers[1:]
		}
		fields["CaseNumber"] = number
	}
	delete(fields, "Id")
	id := s.insertLocked(object, fields)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "success": true, "errors": []any{}})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request, _ string) {
	object, id := r.PathValue("object"), r.PathValue("id")
	s.hit("retrieve:" + object)

	rows := s.selectRows(object, func(rec Record) bool { return rec["Id"] == id })
	if len(rows) == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	writeJSON(w, http.StatusOK, withAttributes(object, rows)[0])
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ string) {
	object, id := r.PathValue("object"), r.PathValue("id")
	s.hit("update:" + object)

	var fields Record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeAPIError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		writeAPIError(w, http.StatusBadRequest, s.failWrites.code, s.failWrites.message)
		return
	}
	for _, row := range s.objects[object] {
		if row["Id"] == id {
			for k, v := range fields {
				row[k] = v
			}
			row["LastModifiedDate"] = time.Now().UTC().Format(salesforce.TimeLayout)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
}

func (s *Server) recordQuery(q string) {
	s.mu.Lock()
	s.lastQueries = append(s.lastQueries, q)
	s.mu.Unlock()
}

func (s *Server) failureFor(object string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failQueries[object]
}

func (s *Server) selectRows(object string, keep func(Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.objects[object] {
		if keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	return out
}

func withAttributes(object string, rows []Record) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		r["attributes"] = map[string]string{
			"type": object,
			"url":  fmt.Sprintf("/services/data/v%s/sobjects/%s/%v", salesforce.DefaultAPIVersion, object, r["Id"]),
		}
		out[i] = r
	}
	return out
}

func sortRows(rows []Record, field string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := fmt.Sprint(rows[i][field]), fmt.Sprint(rows[j][field])
		if desc {
			return a > b
		}
		return a < b
	})
}

// NewID returns a random 18 character id, for tests that need ids the
// server did not assign.
func NewID(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:18]
}
