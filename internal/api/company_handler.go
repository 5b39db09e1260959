package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"careerCanvas/internal/api/middleware"
	"careerCanvas/internal/auth"
	"careerCanvas/internal/catalog"
	"careerCanvas/internal/database"
	"careerCanvas/internal/workflow"
)

const refreshTokenCookieName = "refresh_token"
const refreshTokenBlacklistKeyPrefix = "auth:refresh:blacklist:"

// CompanyHandler 处理企业账号的注册、登录、令牌维护与职位管理。
type CompanyHandler struct {
	db                    *gorm.DB
	authService           *auth.AuthService
	catalog               *catalog.Service
	workflow              *workflow.Service
	storage               mediaUploader
	redis                 redis.UniversalClient
	logger                *slog.Logger
	loginRateLimitPerHour int
	loginLockThreshold    int
	loginLockTTL          time.Duration
	cookieDomain          string
}

// NewCompanyHandler 构造企业处理器。
func NewCompanyHandler(
	db *gorm.DB,
	authService *auth.AuthService,
	catalogService *catalog.Service,
	workflowService *workflow.Service,
	storageClient mediaUploader,
	redisClient redis.UniversalClient,
	logger *slog.Logger,
	loginRateLimitPerHour int,
	loginLockThreshold int,
	loginLockTTL time.Duration,
	cookieDomain string,
) *CompanyHandler {
	return &CompanyHandler{
		db:                    db,
		authService:           authService,
		catalog:               catalogService,
		workflow:              workflowService,
		storage:               storageClient,
		redis:                 redisClient,
		logger:                logger,
		loginRateLimitPerHour: loginRateLimitPerHour,
		loginLockThreshold:    loginLockThreshold,
		loginLockTTL:          loginLockTTL,
		cookieDomain:          cookieDomain,
	}
}

// Register 创建企业账号。multipart 表单，logo 文件可选。
func (h *CompanyHandler) Register(c *gin.Context) {
	name := strings.TrimSpace(c.PostForm("name"))
	email := strings.TrimSpace(strings.ToLower(c.PostForm("email")))
	password := c.PostForm("password")
	description := c.PostForm("description")

	if name == "" || email == "" {
		BadRequest(c, "name and email are required")
		return
	}
	if len(password) < 8 || len(password) > 72 {
		BadRequest(c, "password must be between 8 and 72 characters")
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.String("email", email))

	var existing database.Company
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		logger.Info("register conflict: company already exists")
		Conflict(c, "email already registered")
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("register lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	imageURL := ""
	if file, err := c.FormFile("logo"); err == nil {
		reader, err := file.Open()
		if err != nil {
			Internal(c, "failed to open logo")
			return
		}
		defer reader.Close()

		contentType := file.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		objectKey := "company-logos/" + email + "/logo"
		imageURL, err = h.storage.UploadFile(ctx, objectKey, reader, file.Size, contentType)
		if err != nil {
			logger.Error("upload logo failed", slog.Any("error", err))
			Fail(c, http.StatusBadGateway, "logo upload failed")
			return
		}
	}

	hashed, err := h.authService.HashPassword(password)
	if err != nil {
		logger.Error("hash password failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	company := database.Company{
		Name:         name,
		Email:        email,
		Image:        imageURL,
		Description:  description,
		PasswordHash: hashed,
	}
	if err := h.db.WithContext(ctx).Create(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			Conflict(c, "email already registered")
			return
		}
		logger.Error("create company failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	logger.Info("company registered", slog.Uint64("company_id", uint64(company.ID)))
	Success(c, http.StatusCreated, gin.H{"company": newCompanyResponse(company)})
}

func newCompanyResponse(company database.Company) gin.H {
	return gin.H{
		"id":          company.ID,
		"name":        company.Name,
		"email":       company.Email,
		"image":       company.Image,
		"description": company.Description,
	}
}

type companyLoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Login 校验口令并返回 Token。
func (h *CompanyHandler) Login(c *gin.Context) {
	ip := c.ClientIP()
	var req companyLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.String("email", email))

	// 速率限制：每 IP+邮箱 每小时 N 次
	rateKey := "rate:login:" + ip + ":" + email + ":" + time.Now().UTC().Format("2006010215")
	count, err := incrWithTTL(ctx, h.redis, rateKey, time.Hour)
	if err != nil {
		count = 0
	}
	if count > int64(h.loginRateLimitPerHour) {
		Fail(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// 锁定检查
	lockKey := "lock:login:" + email
	if ttl, _ := h.redis.TTL(ctx, lockKey).Result(); ttl > 0 {
		Fail(c, http.StatusTooManyRequests, "account temporarily locked")
		return
	}

	var company database.Company
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info("login failed: company not found")
			_ = h.incrementLoginFail(ctx, email)
			Unauthorized(c)
			return
		}
		logger.Error("login query failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if !h.authService.CheckPasswordHash(req.Password, company.PasswordHash) {
		logger.Info("login failed: password mismatch", slog.Uint64("company_id", uint64(company.ID)))
		_ = h.incrementLoginFail(ctx, email)
		Unauthorized(c)
		return
	}

	// 登录成功：清理失败计数
	_ = h.redis.Del(ctx, "lock:login:fail:"+email).Err()

	mustChangePassword := company.MustChangePassword
	tokenPair, err := h.authService.GenerateTokenPair(company.ID, mustChangePassword)
	if err != nil {
		logger.Error("generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, mustChangePassword)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh 校验刷新令牌并颁发新的 TokenPair。
func (h *CompanyHandler) Refresh(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		Unauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c)

	claims, err := h.authService.ValidateToken(refreshToken)
	if err != nil {
		logger.Info("refresh token invalid", slog.Any("error", err))
		Unauthorized(c)
		return
	}
	if claims.TokenType != "refresh" {
		logger.Info("refresh token wrong type", slog.String("token_type", claims.TokenType))
		Unauthorized(c)
		return
	}
	if claims.ID == "" {
		logger.Info("refresh token missing jti")
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.redis.Get(ctx, key).Err(); err == nil {
		logger.Info("refresh token revoked", slog.String("jti", claims.ID))
		Unauthorized(c)
		return
	} else if !errors.Is(err, redis.Nil) {
		logger.Error("refresh token blacklist lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	var company database.Company
	if err := h.db.WithContext(ctx).First(&company, claims.CompanyID).Error; err != nil {
		logger.Info("refresh company not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}

	mustChangePassword := company.MustChangePassword
	tokenPair, err := h.authService.GenerateTokenPair(claims.CompanyID, mustChangePassword)
	if err != nil {
		logger.Error("refresh generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 旋转旧刷新令牌，防止重复使用。
	if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
		logger.Error("refresh revoke old token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, mustChangePassword)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required,min=8,max=72"`
	NewPassword     string `json:"new_password" binding:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirm_password" binding:"required,min=8,max=72"`
}

// ChangePassword 校验当前密码并更新为新密码。
func (h *CompanyHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		BadRequest(c, "password confirmation does not match")
		return
	}

	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.Uint64("company_id", uint64(companyID)))

	var company database.Company
	if err := h.db.WithContext(ctx).First(&company, companyID).Error; err != nil {
		logger.Info("change password: company not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}

	if !h.authService.CheckPasswordHash(req.CurrentPassword, company.PasswordHash) {
		logger.Info("change password: current password mismatch")
		Unauthorized(c)
		return
	}

	if strings.TrimSpace(req.NewPassword) == strings.TrimSpace(req.CurrentPassword) {
		BadRequest(c, "new password must be different from current password")
		return
	}

	hashed, err := h.authService.HashPassword(req.NewPassword)
	if err != nil {
		logger.Error("change password: hash failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if err := h.db.WithContext(ctx).Model(&company).Updates(map[string]any{
		"password_hash":        hashed,
		"must_change_password": false,
	}).Error; err != nil {
		logger.Error("change password: update failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if refreshToken, err := c.Cookie(refreshTokenCookieName); err == nil && refreshToken != "" {
		if claims, err := h.authService.ValidateToken(refreshToken); err == nil && claims.TokenType == "refresh" && claims.ID != "" {
			key := refreshTokenBlacklistKeyPrefix + claims.ID
			if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
				logger.Error("change password: revoke refresh failed", slog.Any("error", err))
				Internal(c, "internal error")
				return
			}
		}
	}

	tokenPair, err := h.authService.GenerateTokenPair(company.ID, false)
	if err != nil {
		logger.Error("change password: generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, false)
}

// Logout 将刷新令牌加入黑名单，防止继续使用。
func (h *CompanyHandler) Logout(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		BadRequest(c, "refresh token missing")
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c)

	claims, err := h.authService.ValidateToken(refreshToken)
	if err != nil {
		logger.Info("logout token invalid", slog.Any("error", err))
		Unauthorized(c)
		return
	}
	if claims.TokenType != "refresh" {
		logger.Info("logout wrong token type", slog.String("token_type", claims.TokenType))
		Unauthorized(c)
		return
	}
	if claims.ID == "" {
		logger.Info("logout token missing jti")
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
		logger.Error("logout revoke token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 清除 Cookie。
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
	})
	c.Status(http.StatusOK)
}

type postJobRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Level       string `json:"level"`
	Salary      int64  `json:"salary"`
	Category    string `json:"category"`
}

// PostJob 发布新职位，默认公开可见。
func (h *CompanyHandler) PostJob(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req postJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	job, err := h.catalog.Create(c.Request.Context(), companyID, catalog.Draft{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Level:       req.Level,
		Salary:      req.Salary,
		Category:    req.Category,
	})
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrInvalidInput):
			BadRequest(c, err.Error())
		case errors.Is(err, catalog.ErrNotFound):
			NotFound(c, "company not found")
		default:
			h.loggerFromContext(c).Error("post job failed", slog.Any("error", err))
			Internal(c, "failed to post job")
		}
		return
	}

	Success(c, http.StatusCreated, gin.H{"job": newJobResponse(*job)})
}

// ListOwnJobs 返回企业自己的全部职位（含隐藏），附带投递数。
func (h *CompanyHandler) ListOwnJobs(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	jobs, err := h.catalog.ListForCompany(c.Request.Context(), companyID)
	if err != nil {
		h.loggerFromContext(c).Error("list own jobs failed", slog.Any("error", err))
		Internal(c, "failed to list jobs")
		return
	}

	items := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, gin.H{
			"id":         job.ID,
			"title":      job.Title,
			"location":   job.Location,
			"level":      job.Level,
			"salary":     job.Salary,
			"category":   job.Category,
			"visible":    job.Visible,
			"created_at": job.CreatedAt,
			"applicants": job.Applicants,
		})
	}

	Success(c, http.StatusOK, gin.H{"jobs": items})
}

// ToggleVisibility 翻转职位可见性，仅限所属企业。
func (h *CompanyHandler) ToggleVisibility(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	jobID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid job id")
		return
	}

	job, err := h.catalog.ToggleVisibility(c.Request.Context(), uint(jobID), companyID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			NotFound(c, "Job not found")
		case errors.Is(err, catalog.ErrForbidden):
			Forbidden(c, "job belongs to another company")
		default:
			h.loggerFromContext(c).Error("toggle visibility failed", slog.Any("error", err))
			Internal(c, "failed to change visibility")
		}
		return
	}

	Success(c, http.StatusOK, gin.H{
		"message": "Visibility Changed",
		"job": gin.H{
			"id":      job.ID,
			"visible": job.Visible,
		},
	})
}

// applicantResumeLinkTTL 是企业端简历下载链接的有效期。
const applicantResumeLinkTTL = 15 * time.Minute

// ListApplicants 返回投到该企业职位的全部投递。
// 落在本系统存储桶里的简历换成限时签名链接，外部 URL 原样透传。
func (h *CompanyHandler) ListApplicants(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	logger := h.loggerFromContext(c)
	ctx := c.Request.Context()

	applications, err := h.workflow.ListForCompany(ctx, companyID)
	if err != nil {
		logger.Error("list applicants failed", slog.Any("error", err))
		Internal(c, "failed to list applicants")
		return
	}

	items := make([]gin.H, 0, len(applications))
	for _, app := range applications {
		resumeLink := app.User.Resume
		if objectKey := h.storage.ObjectKeyFromURL(resumeLink); objectKey != "" {
			if signed, err := h.storage.GeneratePresignedURL(ctx, objectKey, applicantResumeLinkTTL); err != nil {
				logger.Warn("presign resume link failed",
					slog.String("object_key", objectKey),
					slog.Any("error", err))
			} else {
				resumeLink = signed
			}
		}
		items = append(items, gin.H{
			"id":         app.ID,
			"applied_at": app.AppliedAt,
			"user": gin.H{
				"id":     app.User.ID,
				"name":   app.User.Name,
				"email":  app.User.Email,
				"image":  app.User.Image,
				"resume": resumeLink,
			},
			"job": gin.H{
				"id":       app.Job.ID,
				"title":    app.Job.Title,
				"location": app.Job.Location,
			},
		})
	}

	Success(c, http.StatusOK, gin.H{"applications": items})
}

func (h *CompanyHandler) replyWithTokenPair(c *gin.Context, tokenPair auth.TokenPair, mustChangePassword bool) {
	h.setRefreshCookie(c, tokenPair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        tokenPair.AccessToken,
		TokenType:          "Bearer",
		ExpiresIn:          int(h.authService.AccessTokenTTL().Seconds()),
		MustChangePassword: mustChangePassword,
	})
}

func (h *CompanyHandler) extractRefreshToken(c *gin.Context) string {
	if token, err := c.Cookie(refreshTokenCookieName); err == nil && token != "" {
		return token
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	return ""
}

func (h *CompanyHandler) setRefreshCookie(c *gin.Context, refreshToken string) {
	maxAge := int(h.authService.RefreshTokenTTL().Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	cookie := &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    refreshToken,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
		Expires:  time.Now().Add(h.authService.RefreshTokenTTL()),
	}
	http.SetCookie(c.Writer, cookie)
}

func (h *CompanyHandler) revokeRefreshToken(ctx context.Context, key string, expiresAt *jwt.NumericDate) error {
	var ttl time.Duration
	if expiresAt == nil {
		ttl = h.authService.RefreshTokenTTL()
	} else {
		ttl = time.Until(expiresAt.Time)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return h.redis.Set(ctx, key, "revoked", ttl).Err()
}

func (h *CompanyHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

func (h *CompanyHandler) isHTTPSRequest(c *gin.Context) bool {
	if c.Request == nil {
		return false
	}
	if c.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(c.Request.Header.Get("X-Forwarded-Proto"), "https")
}

func (h *CompanyHandler) getCookieDomain() string { return strings.TrimSpace(h.cookieDomain) }

func (h *CompanyHandler) incrementLoginFail(ctx context.Context, email string) error {
	failKey := "lock:login:fail:" + email
	count, err := h.redis.Incr(ctx, failKey).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		_ = h.redis.Expire(ctx, failKey, h.loginLockTTL).Err()
	}
	if count >= int64(h.loginLockThreshold) {
		_ = h.redis.Set(ctx, "lock:login:"+email, "1", h.loginLockTTL).Err()
	}
	return nil
}

func companyIDFromContext(c *gin.Context) (uint, bool) {
	value, exists := c.Get("companyID")
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case uint64:
		return uint(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}
