package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"careerCanvas/internal/database"
	"careerCanvas/internal/errcode"
	"careerCanvas/internal/tasks"
)

// ApplicationTaskHandler 负责消费新投递通知任务。
// 通知失败只影响提醒，不影响已落库的投递记录。
type ApplicationTaskHandler struct {
	db          *gorm.DB
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewApplicationTaskHandler 创建任务处理器。
func NewApplicationTaskHandler(db *gorm.DB, redisClient *redis.Client, logger *slog.Logger) *ApplicationTaskHandler {
	return &ApplicationTaskHandler{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *ApplicationTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.ApplicationReceivedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return err
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Int("application_id", int(payload.ApplicationID)),
	)

	var application database.JobApplication
	if err := h.db.WithContext(ctx).
		Preload("User").
		Preload("Job").
		First(&application, payload.ApplicationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("application not found, skipping task")
			return nil
		}
		log.Error("query application failed", slog.Any("error", err))
		return err
	}

	log = log.With(slog.Uint64("company_id", uint64(application.CompanyID)))

	defer func() {
		if retErr == nil {
			return
		}
		if !isFinalAsynqAttempt(ctx) {
			return
		}

		notify := ApplicationNotifyMessage{
			Status:        "error",
			ApplicationID: application.ID,
			CorrelationID: payload.CorrelationID,
			ErrorCode:     errcode.SystemError,
			ErrorMessage:  strings.TrimSpace(retErr.Error()),
		}
		if err := h.publishApplicationNotify(ctx, application.CompanyID, notify); err != nil {
			log.Error("publish error notification failed", slog.Any("error", err))
		}
	}()

	notify := ApplicationNotifyMessage{
		Status:        "received",
		ApplicationID: application.ID,
		JobID:         application.JobID,
		JobTitle:      application.Job.Title,
		ApplicantName: application.User.Name,
		AppliedAt:     application.AppliedAt.Format(time.RFC3339),
		CorrelationID: payload.CorrelationID,
		ErrorCode:     errcode.OK,
	}
	if application.Job.ID == 0 {
		// 职位被移除属于异常数据；通知仍然发出，前端据码降级展示。
		notify.ErrorCode = errcode.ResourceMissing
		notify.ErrorMessage = "职位信息缺失，已按原始投递数据通知"
		log.Warn("job missing for application notify")
	}

	if err := h.publishApplicationNotify(ctx, application.CompanyID, notify); err != nil {
		log.Error("publish redis notification failed", slog.Any("error", err))
		return err
	}

	log.Info("application notification published")
	return nil
}

func (h *ApplicationTaskHandler) publishApplicationNotify(ctx context.Context, companyID uint, notify ApplicationNotifyMessage) error {
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := fmt.Sprintf("company_notify:%d", companyID)
	if err := h.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
