package handler

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"officemon/internal/auth"
	"officemon/internal/config"
	"officemon/internal/queue"
	"officemon/internal/reconcile"
)

// Store is the slice of the repository the HTTP layer reads from.
type Store interface {
	ListCurrent(ctx context.Context, day time.Time) ([]reconcile.Record, error)
	ListRecent(ctx context.Context, limit int) ([]reconcile.Record, error)
	ListByDay(ctx context.Context, day time.Time) ([]reconcile.Record, error)
	DashboardStats(ctx context.Context, day time.Time) (reconcile.Stats, error)
	WorkDuration(ctx context.Context, identity string, day time.Time) (time.Duration, error)
	CreateEmployee(ctx context.Context, e *reconcile.Employee) error
	ListEmployees(ctx context.Context) ([]reconcile.Employee, error)
	GetEmployee(ctx context.Context, id string) (*reconcile.Employee, error)
	DeleteEmployee(ctx context.Context, id string) error
}

// Handler carries the dependencies of the HTTP API.
type Handler struct {
	store Store
	q     queue.Queue
	cfg   config.App
	now   func() time.Time
}

// New creates a handler. A nil clock defaults to time.Now.
func New(store Store, q queue.Queue, cfg config.App, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{store: store, q: q, cfg: cfg, now: now}
}

// ---------- Auth ----------

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges the configured admin credentials for a JWT pair.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username != h.cfg.AdminUsername || req.Password != h.cfg.AdminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	tokens, err := auth.Issue(req.Username, "admin", h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- Observation ingest ----------

type observationRequest struct {
	Identity  string `json:"identity" binding:"required"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
}

// CreateObservation accepts one detection from the recognition collaborator
// and queues it for the worker. Timestamps default to server time when absent.
func (h *Handler) CreateObservation(c *gin.Context) {
	var req observationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ts := h.now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC3339"})
			return
		}
		ts = parsed.UTC()
	}

	obs := reconcile.Observation{Identity: req.Identity, Timestamp: ts, Action: req.Action}
	msg, err := queue.NewMessage("observation", obs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
		return
	}
	if err := h.q.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"identity": obs.Identity, "timestamp": obs.Timestamp})
}

// ---------- Dashboard ----------

// CurrentAttendance lists everyone inside today.
func (h *Handler) CurrentAttendance(c *gin.Context) {
	records, err := h.store.ListCurrent(c.Request.Context(), reconcile.DateOf(h.now()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []reconcile.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// RecentActivity lists the latest sessions.
func (h *Handler) RecentActivity(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	records, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []reconcile.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// DashboardStats returns the day's headline counts.
func (h *Handler) DashboardStats(c *gin.Context) {
	stats, err := h.store.DashboardStats(c.Request.Context(), reconcile.DateOf(h.now()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ---------- Reports ----------

type reportRow struct {
	reconcile.Record
	WorkDuration string `json:"work_duration,omitempty"`
}

// DailyReport returns all sessions for a date plus per-employee totals.
func (h *Handler) DailyReport(c *gin.Context) {
	day, ok := h.reportDate(c)
	if !ok {
		return
	}
	records, err := h.store.ListByDay(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rows := make([]reportRow, 0, len(records))
	totals := map[string]string{}
	for _, rec := range records {
		row := reportRow{Record: rec}
		if rec.ExitTime != nil {
			row.WorkDuration = reconcile.FormatDuration(rec.Duration())
		}
		rows = append(rows, row)
		if _, done := totals[rec.Identity]; !done {
			total, err := h.store.WorkDuration(c.Request.Context(), rec.Identity, day)
			if err == nil {
				totals[rec.Identity] = reconcile.FormatDuration(total)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"date":     day.Format("2006-01-02"),
		"sessions": rows,
		"totals":   totals,
	})
}

// ExportCSV streams the day's sessions as a CSV download.
func (h *Handler) ExportCSV(c *gin.Context) {
	day, ok := h.reportDate(c)
	if !ok {
		return
	}
	records, err := h.store.ListByDay(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filename := fmt.Sprintf("attendance_%s.csv", day.Format("2006-01-02"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename="+filename)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"employee_name", "department", "date", "entry_time", "exit_time", "last_action", "status", "work_duration"})
	for _, rec := range records {
		exit, duration := "", ""
		if rec.ExitTime != nil {
			exit = rec.ExitTime.Format(time.RFC3339)
			duration = reconcile.FormatDuration(rec.Duration())
		}
		_ = w.Write([]string{
			rec.EmployeeName,
			rec.Department,
			rec.Day.Format("2006-01-02"),
			rec.EntryTime.Format(time.RFC3339),
			exit,
			rec.LastAction,
			string(rec.Status),
			duration,
		})
	}
	w.Flush()
}

func (h *Handler) reportDate(c *gin.Context) (time.Time, bool) {
	if v := c.Query("date"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return time.Time{}, false
		}
		return day, true
	}
	return reconcile.DateOf(h.now()), true
}

// ---------- Employees ----------

type employeeRequest struct {
	Name         string `json:"name" binding:"required"`
	Department   string `json:"department"`
	SnapshotPath string `json:"snapshot_path"`
}

// CreateEmployee registers a new employee.
func (h *Handler) CreateEmployee(c *gin.Context) {
	var req employeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	emp := reconcile.Employee{
		Name:         req.Name,
		Department:   req.Department,
		SnapshotPath: req.SnapshotPath,
	}
	if err := h.store.CreateEmployee(c.Request.Context(), &emp); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, emp)
}

// ListEmployees returns all registered employees.
func (h *Handler) ListEmployees(c *gin.Context) {
	employees, err := h.store.ListEmployees(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if employees == nil {
		employees = []reconcile.Employee{}
	}
	c.JSON(http.StatusOK, gin.H{"data": employees})
}

// GetEmployee returns one employee.
func (h *Handler) GetEmployee(c *gin.Context) {
	emp, err := h.store.GetEmployee(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if emp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "employee not found"})
		return
	}
	c.JSON(http.StatusOK, emp)
}

// DeleteEmployee removes an employee and their attendance history.
func (h *Handler) DeleteEmployee(c *gin.Context) {
	if err := h.store.DeleteEmployee(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "employee not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
