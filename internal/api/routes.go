package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"careerCanvas/internal/api/middleware"
	"careerCanvas/internal/auth"
	"careerCanvas/internal/catalog"
	"careerCanvas/internal/config"
	"careerCanvas/internal/identity"
	"careerCanvas/internal/profile"
	"careerCanvas/internal/storage"
	"careerCanvas/internal/workflow"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(
	router *gin.Engine,
	db *gorm.DB,
	cfg *config.Config,
	asynqClient *asynq.Client,
	authService *auth.AuthService,
	identityProvider identity.Provider,
	redisClient *redis.Client,
	logger *slog.Logger,
	storageClient *storage.Client,
) {
	profileService := profile.NewService(db)
	catalogService := catalog.NewService(db)
	workflowService := workflow.NewService(db)

	userHandler := NewUserHandler(
		profileService,
		workflowService,
		storageClient,
		asynqClient,
		redisClient,
		logger,
		cfg.Upload.ClamdAddr,
		cfg.Upload.MaxBytes,
		cfg.Upload.MaxUploadsPerDay,
	)
	jobHandler := NewJobHandler(catalogService, logger)
	companyHandler := NewCompanyHandler(
		db,
		authService,
		catalogService,
		workflowService,
		storageClient,
		redisClient,
		logger,
		cfg.Auth.LoginRateLimitHour,
		cfg.Auth.LoginLockThreshold,
		time.Duration(cfg.Auth.LoginLockMinutes)*time.Minute,
		cfg.Auth.CookieDomain,
	)
	wsHandler := NewWsHandler(redisClient, authService, logger, nil)

	identityMiddleware := middleware.IdentityMiddleware(identityProvider)
	companyAuth := middleware.CompanyAuthMiddleware(authService)
	passwordGate := middleware.RequirePasswordChangeCompletedMiddleware()

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		jobGroup := v1.Group("/jobs")
		{
			jobGroup.GET("", jobHandler.ListJobs)
			jobGroup.GET("/:id", jobHandler.GetJob)
		}

		userGroup := v1.Group("/users")
		userGroup.Use(identityMiddleware)
		{
			userGroup.GET("/me", userHandler.GetMe)
			userGroup.POST("/me", userHandler.UpdateMe)
			userGroup.POST("/applications", userHandler.Apply)
			userGroup.GET("/applications", userHandler.ListApplications)
		}

		companyGroup := v1.Group("/company")
		{
			companyGroup.POST("/register", companyHandler.Register)
			companyGroup.POST("/login", companyHandler.Login)
			companyGroup.POST("/refresh", companyHandler.Refresh)
			companyGroup.POST("/logout", companyAuth, companyHandler.Logout)
			companyGroup.POST("/change-password", companyAuth, companyHandler.ChangePassword)

			protected := companyGroup.Group("")
			protected.Use(companyAuth, passwordGate)
			{
				protected.POST("/jobs", companyHandler.PostJob)
				protected.GET("/jobs", companyHandler.ListOwnJobs)
				protected.POST("/jobs/:id/visibility", companyHandler.ToggleVisibility)
				protected.GET("/applicants", companyHandler.ListApplicants)
			}
		}
	}
}
