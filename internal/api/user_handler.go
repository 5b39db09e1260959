package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"careerCanvas/internal/api/middleware"
	"careerCanvas/internal/database"
	"careerCanvas/internal/profile"
	"careerCanvas/internal/tasks"
	"careerCanvas/internal/workflow"
)

// mediaUploader 是媒体存储适配器接口：传入原始文件换回长期 URL，
// 并支持按 URL 反查对象、限时签发与清理被替换的旧对象。
type mediaUploader interface {
	UploadFile(ctx context.Context, objectName string, reader io.ReadSeeker, size int64, contentType string) (string, error)
	ObjectKeyFromURL(rawURL string) string
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

type taskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// UserHandler 负责求职者侧的档案与投递 API。
type UserHandler struct {
	Profiles    *profile.Service
	Workflow    *workflow.Service
	Storage     mediaUploader
	AsynqClient taskEnqueuer
	RedisClient redisRateCounter
	Logger      *slog.Logger
	ClamdAddr   string
	MaxBytes    int64
	MaxPerDay   int
}

// NewUserHandler 构造 UserHandler。
func NewUserHandler(
	profiles *profile.Service,
	workflowService *workflow.Service,
	storageClient mediaUploader,
	asynqClient taskEnqueuer,
	redisClient redisRateCounter,
	logger *slog.Logger,
	clamdAddr string,
	maxBytes int64,
	maxPerDay int,
) *UserHandler {
	return &UserHandler{
		Profiles:    profiles,
		Workflow:    workflowService,
		Storage:     storageClient,
		AsynqClient: asynqClient,
		RedisClient: redisClient,
		Logger:      logger,
		ClamdAddr:   clamdAddr,
		MaxBytes:    maxBytes,
		MaxPerDay:   maxPerDay,
	}
}

type userResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Resume    string   `json:"resume,omitempty"`
	Image     string   `json:"image"`
	Headline  string   `json:"headline"`
	Portfolio string   `json:"portfolio"`
	Skills    []string `json:"skills"`
	Location  string   `json:"location"`
	Phone     string   `json:"phone"`
}

func newUserResponse(user database.User) userResponse {
	skills := []string(user.Skills)
	if skills == nil {
		skills = []string{}
	}
	return userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Resume:    user.Resume,
		Image:     user.Image,
		Headline:  user.Headline,
		Portfolio: user.Portfolio,
		Skills:    skills,
		Location:  user.Location,
		Phone:     user.Phone,
	}
}

// GetMe 返回当前求职者档案，首次见到的 subject 自动建档。
func (h *UserHandler) GetMe(c *gin.Context) {
	subjectID, ok := subjectFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	user, err := h.Profiles.GetOrCreate(c.Request.Context(), subjectID)
	if err != nil {
		h.loggerFromContext(c).Error("get or create profile failed", slog.Any("error", err))
		Internal(c, "failed to load profile")
		return
	}

	Success(c, http.StatusOK, gin.H{"user": newUserResponse(*user)})
}

// UpdateMe 更新档案。带简历文件时先扫毒、再上传、确认 URL 后
// 才连同其余字段一次性落库；上传失败则整次更新不生效。
func (h *UserHandler) UpdateMe(c *gin.Context) {
	subjectID, ok := subjectFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	logger := h.loggerFromContext(c)
	ctx := c.Request.Context()

	var patch profile.Patch
	if headline, ok := c.GetPostForm("headline"); ok {
		patch.Headline = &headline
	}
	if portfolio, ok := c.GetPostForm("portfolio"); ok {
		patch.Portfolio = &portfolio
	}
	if location, ok := c.GetPostForm("location"); ok {
		patch.Location = &location
	}
	if phone, ok := c.GetPostForm("phone"); ok {
		patch.Phone = &phone
	}
	if rawSkills, ok := c.GetPostForm("skills"); ok {
		skills := profile.ParseSkills(rawSkills)
		if skills == nil {
			skills = []string{}
		}
		patch.Skills = &skills
	}

	var previousResumeURL string
	file, err := c.FormFile("resume")
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		// 无简历文件，仅更新字段。
	case err != nil:
		BadRequest(c, "invalid resume file")
		return
	default:
		// 先取当前档案：档案不存在时不必上传，旧简历 URL 留待替换后清理。
		current, err := h.Profiles.Get(ctx, subjectID)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				NotFound(c, "User profile missing")
				return
			}
			logger.Error("load profile failed", slog.Any("error", err))
			Internal(c, "failed to load profile")
			return
		}
		previousResumeURL = current.Resume

		resumeURL, uploadErr := h.uploadResume(c, subjectID, file)
		if uploadErr != nil {
			return // uploadResume 已写响应
		}
		patch.Resume = &resumeURL
	}

	user, err := h.Profiles.Update(ctx, subjectID, patch)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			NotFound(c, "User profile missing")
			return
		}
		logger.Error("update profile failed", slog.Any("error", err))
		Internal(c, "failed to update profile")
		return
	}

	// 新简历落库后回收被替换的旧对象，失败只记日志不影响响应。
	if patch.Resume != nil && previousResumeURL != "" && previousResumeURL != *patch.Resume {
		if objectKey := h.Storage.ObjectKeyFromURL(previousResumeURL); objectKey != "" {
			if err := h.Storage.DeleteObject(ctx, objectKey); err != nil {
				logger.Warn("delete replaced resume failed",
					slog.String("object_key", objectKey),
					slog.Any("error", err))
			}
		}
	}

	Success(c, http.StatusOK, gin.H{
		"message": "Profile Updated Successfully",
		"user":    newUserResponse(*user),
	})
}

var errUploadAborted = errors.New("upload aborted")

// uploadResume 执行限额检查、病毒扫描与上传，返回长期访问 URL。
// 出错时已写好响应，调用方直接返回即可。
func (h *UserHandler) uploadResume(c *gin.Context, subjectID string, file *multipart.FileHeader) (string, error) {
	logger := h.loggerFromContext(c)
	ctx := c.Request.Context()

	if h.MaxBytes > 0 && file.Size > h.MaxBytes {
		BadRequest(c, fmt.Sprintf("resume exceeds %d bytes", h.MaxBytes))
		return "", errUploadAborted
	}

	// 计数先占坑保证并发下限额准确，未完成上传的尝试在退出时退还，
	// 扫描或存储故障不吞当日额度。
	var rateKey string
	charged := false
	refund := func() {
		if !charged {
			return
		}
		charged = false
		if err := h.RedisClient.Decr(ctx, rateKey).Err(); err != nil {
			logger.Warn("refund upload quota failed", slog.Any("error", err))
		}
	}

	if h.MaxPerDay > 0 && h.RedisClient != nil {
		rateKey = "rate:upload:" + subjectID + ":" + time.Now().UTC().Format("20060102")
		count, err := incrWithTTL(ctx, h.RedisClient, rateKey, 24*time.Hour)
		if err != nil {
			// 限流计数器不可用时放行，上传本身仍受扫描与大小限制约束。
			logger.Warn("upload rate counter unavailable", slog.Any("error", err))
		} else {
			charged = true
			if count > int64(h.MaxPerDay) {
				refund()
				Fail(c, http.StatusTooManyRequests, "daily upload limit reached")
				return "", errUploadAborted
			}
		}
	}

	if h.ClamdAddr != "" {
		if err := h.scanFile(file); err != nil {
			refund()
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, "malicious file detected")
				return "", errUploadAborted
			}
			logger.Error("scan resume failed", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return "", errUploadAborted
		}
	}

	reader, err := file.Open()
	if err != nil {
		refund()
		Internal(c, "failed to open file")
		return "", errUploadAborted
	}
	defer reader.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ext := filepath.Ext(file.Filename)
	objectKey := fmt.Sprintf("resumes/%s/%s%s", subjectID, uuid.NewString(), ext)

	resumeURL, err := h.Storage.UploadFile(ctx, objectKey, reader, file.Size, contentType)
	if err != nil {
		refund()
		logger.Error("upload resume failed", slog.Any("error", err))
		Fail(c, http.StatusBadGateway, "resume upload failed")
		return "", errUploadAborted
	}

	return resumeURL, nil
}

var errMaliciousFile = errors.New("malicious file detected")

func (h *UserHandler) scanFile(file *multipart.FileHeader) error {
	reader, err := file.Open()
	if err != nil {
		return fmt.Errorf("open file for scan: %w", err)
	}
	defer reader.Close()

	clamdClient := clamd.NewClamd(h.ClamdAddr)
	abortChan := make(chan bool)
	scanChan, err := clamdClient.ScanStream(reader, abortChan)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	defer close(abortChan)

	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			return errMaliciousFile
		}
	}
	return nil
}

type applyRequest struct {
	JobID uint `json:"job_id" binding:"required"`
}

// Apply 投递职位，成功后入队企业通知任务。
func (h *UserHandler) Apply(c *gin.Context) {
	subjectID, ok := subjectFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	logger := h.loggerFromContext(c)
	ctx := c.Request.Context()

	// 投递同样触发自动建档：第一次见到的 subject 先落占位档案。
	if _, err := h.Profiles.GetOrCreate(ctx, subjectID); err != nil {
		logger.Error("ensure profile failed", slog.Any("error", err))
		Internal(c, "failed to load profile")
		return
	}

	application, err := h.Workflow.Apply(ctx, subjectID, req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrResumeRequired):
			BadRequest(c, "A resume is required before applying")
		case errors.Is(err, workflow.ErrDuplicateApplication):
			Conflict(c, "You have already applied for this job")
		case errors.Is(err, workflow.ErrJobNotFound):
			NotFound(c, "Job not found")
		case errors.Is(err, workflow.ErrUserNotFound):
			NotFound(c, "User profile missing")
		default:
			logger.Error("apply failed", slog.Any("error", err))
			Internal(c, "failed to apply")
		}
		return
	}

	// 通知只是提醒，入队失败不回滚投递。
	if h.AsynqClient != nil {
		correlationID := middleware.GetCorrelationID(c)
		if task, err := tasks.NewApplicationReceivedTask(application.ID, correlationID); err != nil {
			logger.Error("create notify task failed", slog.Any("error", err))
		} else if _, err := h.AsynqClient.Enqueue(task, asynq.MaxRetry(5)); err != nil {
			logger.Error("enqueue notify task failed", slog.Any("error", err))
		}
	}

	Success(c, http.StatusCreated, gin.H{
		"message": "Applied Successfully",
		"application": gin.H{
			"id":         application.ID,
			"job_id":     application.JobID,
			"company_id": application.CompanyID,
			"applied_at": application.AppliedAt,
		},
	})
}

type applicationListItem struct {
	ID        uint      `json:"id"`
	AppliedAt time.Time `json:"applied_at"`
	Company   gin.H     `json:"company"`
	Job       gin.H     `json:"job"`
}

// ListApplications 返回当前求职者的全部投递，企业与职位字段冗余展开。
func (h *UserHandler) ListApplications(c *gin.Context) {
	subjectID, ok := subjectFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	logger := h.loggerFromContext(c)
	ctx := c.Request.Context()

	if _, err := h.Profiles.GetOrCreate(ctx, subjectID); err != nil {
		logger.Error("ensure profile failed", slog.Any("error", err))
		Internal(c, "failed to load profile")
		return
	}

	applications, err := h.Workflow.ListForUser(ctx, subjectID)
	if err != nil {
		logger.Error("list applications failed", slog.Any("error", err))
		Internal(c, "failed to list applications")
		return
	}

	items := make([]applicationListItem, 0, len(applications))
	for _, app := range applications {
		items = append(items, applicationListItem{
			ID:        app.ID,
			AppliedAt: app.AppliedAt,
			Company: gin.H{
				"id":    app.Company.ID,
				"name":  app.Company.Name,
				"email": app.Company.Email,
				"image": app.Company.Image,
			},
			Job: gin.H{
				"id":          app.Job.ID,
				"title":       app.Job.Title,
				"description": app.Job.Description,
				"location":    app.Job.Location,
				"level":       app.Job.Level,
				"salary":      app.Job.Salary,
			},
		})
	}

	Success(c, http.StatusOK, gin.H{"applications": items})
}

func subjectFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get("subjectID")
	if !exists {
		return "", false
	}
	subjectID, ok := value.(string)
	if !ok || subjectID == "" {
		return "", false
	}
	return subjectID, true
}

func (h *UserHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
