package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"careerCanvas/internal/database"
)

var (
	// ErrUserNotFound 表示 subject 对应的档案不存在。
	ErrUserNotFound = errors.New("user profile not found")
	// ErrJobNotFound 表示投递目标职位不存在。
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateApplication 表示该用户已投递过该职位。
	ErrDuplicateApplication = errors.New("already applied for this job")
	// ErrResumeRequired 表示档案里还没有简历，不能投递。
	ErrResumeRequired = errors.New("resume is required before applying")
)

// Service 负责投递流程：一人一职位最多一次，创建后不可变。
type Service struct {
	db *gorm.DB
}

// NewService 构造 Service。
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Apply 以 subject 身份投递职位。
// 查重只是快路径；(user_id, job_id) 唯一索引才是最终裁决点，
// 并发下撞到重复键同样按重复投递处理。
// 已隐藏的职位仍接受投递（既有缺口，保留不改）。
func (s *Service) Apply(ctx context.Context, subjectID string, jobID uint) (*database.JobApplication, error) {
	var user database.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", subjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user %q: %w", subjectID, err)
	}

	if user.Resume == "" {
		return nil, ErrResumeRequired
	}

	var existing database.JobApplication
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND job_id = ?", subjectID, jobID).
		First(&existing).Error
	switch {
	case err == nil:
		return nil, ErrDuplicateApplication
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("query application: %w", err)
	}

	var job database.Job
	if err := s.db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("query job %d: %w", jobID, err)
	}

	application := database.JobApplication{
		UserID:    user.ID,
		JobID:     job.ID,
		CompanyID: job.CompanyID,
		AppliedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&application).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateApplication
		}
		return nil, fmt.Errorf("create application: %w", err)
	}

	return &application, nil
}

// ListForUser 返回 subject 的全部投递，按插入顺序，
// 企业与职位字段一并带出用于展示。
func (s *Service) ListForUser(ctx context.Context, subjectID string) ([]database.JobApplication, error) {
	var applications []database.JobApplication
	if err := s.db.WithContext(ctx).
		Preload("Company").
		Preload("Job").
		Where("user_id = ?", subjectID).
		Order("id").
		Find(&applications).Error; err != nil {
		return nil, fmt.Errorf("list applications for user %q: %w", subjectID, err)
	}
	return applications, nil
}

// ListForCompany 返回投到该企业职位的全部投递，带求职者与职位信息。
func (s *Service) ListForCompany(ctx context.Context, companyID uint) ([]database.JobApplication, error) {
	var applications []database.JobApplication
	if err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Job").
		Where("company_id = ?", companyID).
		Order("id").
		Find(&applications).Error; err != nil {
		return nil, fmt.Errorf("list applications for company %d: %w", companyID, err)
	}
	return applications, nil
}
