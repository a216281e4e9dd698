package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"officemon/internal/config"
	"officemon/internal/queue"
	"officemon/internal/reconcile"
)

// fakeStore implements Store for handler tests.
type fakeStore struct {
	records   []reconcile.Record
	employees []reconcile.Employee
	durations map[string]time.Duration
}

func (f *fakeStore) ListCurrent(context.Context, time.Time) ([]reconcile.Record, error) {
	var open []reconcile.Record
	for _, r := range f.records {
		if r.Status == reconcile.StatusInside {
			open = append(open, r)
		}
	}
	return open, nil
}

func (f *fakeStore) ListRecent(_ context.Context, limit int) ([]reconcile.Record, error) {
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeStore) ListByDay(context.Context, time.Time) ([]reconcile.Record, error) {
	return f.records, nil
}

func (f *fakeStore) DashboardStats(context.Context, time.Time) (reconcile.Stats, error) {
	return reconcile.Stats{TotalEmployees: len(f.employees), TodayEntries: len(f.records)}, nil
}

func (f *fakeStore) WorkDuration(_ context.Context, identity string, _ time.Time) (time.Duration, error) {
	return f.durations[identity], nil
}

func (f *fakeStore) CreateEmployee(_ context.Context, e *reconcile.Employee) error {
	e.ID = "emp-1"
	e.CreatedAt = time.Now().UTC()
	f.employees = append(f.employees, *e)
	return nil
}

func (f *fakeStore) ListEmployees(context.Context) ([]reconcile.Employee, error) {
	return f.employees, nil
}

func (f *fakeStore) GetEmployee(_ context.Context, id string) (*reconcile.Employee, error) {
	for i := range f.employees {
		if f.employees[i].ID == id {
			return &f.employees[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteEmployee(context.Context, string) error { return nil }

func testConfig() config.App {
	return config.App{
		JWTIssuer:     "officemon-test",
		JWTSigningKey: "test-secret",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		AdminUsername: "admin",
		AdminPassword: "pw",
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func newTestRouter(store *fakeStore, q queue.Queue) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(store, q, testConfig(), fixedNow)

	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/observations", h.CreateObservation)
	r.GET("/v1/attendance/current", h.CurrentAttendance)
	r.GET("/v1/dashboard/stats", h.DashboardStats)
	r.GET("/v1/reports/daily", h.DailyReport)
	r.GET("/v1/reports/export", h.ExportCSV)
	r.GET("/v1/employees/:id", h.GetEmployee)
	r.POST("/v1/employees", h.CreateEmployee)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	r := newTestRouter(&fakeStore{}, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodPost, "/v1/auth/login", gin.H{"username": "admin", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])
	assert.NotEmpty(t, resp["refresh_token"])

	w = doJSON(t, r, http.MethodPost, "/v1/auth/login", gin.H{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateObservationQueuesMessage(t *testing.T) {
	q := queue.NewInMemory(4)
	r := newTestRouter(&fakeStore{}, q)

	w := doJSON(t, r, http.MethodPost, "/v1/observations", gin.H{
		"identity":  "E1",
		"timestamp": "2025-03-10T09:00:00Z",
		"action":    "walking",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-out
	assert.Equal(t, "observation", msg.Type)

	var obs reconcile.Observation
	require.NoError(t, json.Unmarshal(msg.Body, &obs))
	assert.Equal(t, "E1", obs.Identity)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), obs.Timestamp)
	assert.Equal(t, "walking", obs.Action)
}

func TestCreateObservationDefaultsTimestamp(t *testing.T) {
	q := queue.NewInMemory(4)
	r := newTestRouter(&fakeStore{}, q)

	w := doJSON(t, r, http.MethodPost, "/v1/observations", gin.H{"identity": "E1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, _ := q.Consume(ctx)
	msg := <-out

	var obs reconcile.Observation
	require.NoError(t, json.Unmarshal(msg.Body, &obs))
	assert.Equal(t, fixedNow(), obs.Timestamp)
}

func TestCreateObservationRejectsBadInput(t *testing.T) {
	r := newTestRouter(&fakeStore{}, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodPost, "/v1/observations", gin.H{"action": "walking"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/observations", gin.H{"identity": "E1", "timestamp": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func sampleRecords() ([]reconcile.Record, map[string]time.Duration) {
	entry := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	exit := entry.Add(3 * time.Hour)
	day := reconcile.DateOf(entry)
	return []reconcile.Record{
			{
				Session: reconcile.Session{
					ID: "s1", Identity: "emp-1", Day: day,
					EntryTime: entry, ExitTime: &exit, LastSeen: exit,
					LastAction: "sitting", Status: reconcile.StatusExited,
				},
				EmployeeName: "Ada",
				Department:   "Engineering",
			},
			{
				Session: reconcile.Session{
					ID: "s2", Identity: "emp-1", Day: day,
					EntryTime: exit.Add(10 * time.Minute), LastSeen: exit.Add(15 * time.Minute),
					LastAction: "walking", Status: reconcile.StatusInside,
				},
				EmployeeName: "Ada",
				Department:   "Engineering",
			},
		}, map[string]time.Duration{
			"emp-1": 3 * time.Hour,
		}
}

func TestDailyReport(t *testing.T) {
	records, durations := sampleRecords()
	store := &fakeStore{records: records, durations: durations}
	r := newTestRouter(store, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodGet, "/v1/reports/daily?date=2025-03-10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Date     string            `json:"date"`
		Sessions []json.RawMessage `json:"sessions"`
		Totals   map[string]string `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2025-03-10", resp.Date)
	assert.Len(t, resp.Sessions, 2)
	assert.Equal(t, "3h 0m", resp.Totals["emp-1"])
}

func TestDailyReportRejectsBadDate(t *testing.T) {
	r := newTestRouter(&fakeStore{}, queue.NewInMemory(1))
	w := doJSON(t, r, http.MethodGet, "/v1/reports/daily?date=10-03-2025", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportCSV(t *testing.T) {
	records, durations := sampleRecords()
	store := &fakeStore{records: records, durations: durations}
	r := newTestRouter(store, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodGet, "/v1/reports/export?date=2025-03-10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attendance_2025-03-10.csv")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "employee_name,department,date,entry_time,exit_time,last_action,status,work_duration", lines[0])
	assert.Contains(t, lines[1], "Ada,Engineering,2025-03-10,2025-03-10T09:00:00Z,2025-03-10T12:00:00Z,sitting,exited,3h 0m")
	// The open session has no exit or duration yet.
	assert.Contains(t, lines[2], ",inside,")
}

func TestEmployeeLifecycle(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(store, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodPost, "/v1/employees", gin.H{"name": "Ada", "department": "Engineering"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/employees/emp-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/employees/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCurrentAttendanceEmptyIsArray(t *testing.T) {
	r := newTestRouter(&fakeStore{}, queue.NewInMemory(1))

	w := doJSON(t, r, http.MethodGet, "/v1/attendance/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
}
