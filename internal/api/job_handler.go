package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"careerCanvas/internal/api/middleware"
	"careerCanvas/internal/catalog"
	"careerCanvas/internal/database"
)

// JobHandler 负责公开的职位目录 API，无需登录。
type JobHandler struct {
	Catalog *catalog.Service
	Logger  *slog.Logger
}

// NewJobHandler 构造 JobHandler。
func NewJobHandler(catalogService *catalog.Service, logger *slog.Logger) *JobHandler {
	return &JobHandler{Catalog: catalogService, Logger: logger}
}

type jobResponse struct {
	ID          uint      `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Level       string    `json:"level"`
	Salary      int64     `json:"salary"`
	Category    string    `json:"category"`
	Visible     bool      `json:"visible"`
	CreatedAt   time.Time `json:"created_at"`
	Company     gin.H     `json:"company"`
}

func newJobResponse(job database.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Title:       job.Title,
		Description: job.Description,
		Location:    job.Location,
		Level:       job.Level,
		Salary:      job.Salary,
		Category:    job.Category,
		Visible:     job.Visible,
		CreatedAt:   job.CreatedAt,
		Company: gin.H{
			"id":    job.Company.ID,
			"name":  job.Company.Name,
			"email": job.Company.Email,
			"image": job.Company.Image,
		},
	}
}

// ListJobs 返回公开目录，支持标题/地点/类别/级别筛选。
func (h *JobHandler) ListJobs(c *gin.Context) {
	filters := catalog.Filters{
		Title:    c.Query("title"),
		Location: c.Query("location"),
		Category: c.Query("category"),
		Level:    c.Query("level"),
	}

	jobs, err := h.Catalog.ListVisible(c.Request.Context(), filters)
	if err != nil {
		middleware.LoggerFromContext(c).Error("list jobs failed", slog.Any("error", err))
		Internal(c, "failed to list jobs")
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}

	Success(c, http.StatusOK, gin.H{"jobs": items})
}

// GetJob 返回职位详情。
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid job id")
		return
	}

	job, err := h.Catalog.Get(c.Request.Context(), uint(jobID))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			NotFound(c, "Job not found")
			return
		}
		middleware.LoggerFromContext(c).Error("get job failed", slog.Any("error", err))
		Internal(c, "failed to load job")
		return
	}

	Success(c, http.StatusOK, gin.H{"job": newJobResponse(*job)})
}
