package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"careerCanvas/internal/database"
)

var (
	// ErrNotFound 表示职位或企业不存在。
	ErrNotFound = errors.New("job not found")
	// ErrForbidden 表示操作方不是职位的所属企业。
	ErrForbidden = errors.New("job owned by another company")
	// ErrInvalidInput 表示职位草稿缺少必填字段。
	ErrInvalidInput = errors.New("invalid job input")
)

// Service 负责职位目录：发布、查询与可见性开关。
type Service struct {
	db *gorm.DB
}

// NewService 构造 Service。
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Filters 描述公开目录的筛选条件，零值字段不参与过滤。
type Filters struct {
	Title    string
	Location string
	Category string
	Level    string
}

// Draft 描述企业提交的职位草稿。
type Draft struct {
	Title       string
	Description string
	Location    string
	Level       string
	Salary      int64
	Category    string
}

// JobWithApplicants 在企业管理视图里附带投递数。
type JobWithApplicants struct {
	database.Job
	Applicants int64
}

// ListVisible 返回公开目录：仅可见职位，企业字段一并带出用于展示。
func (s *Service) ListVisible(ctx context.Context, filters Filters) ([]database.Job, error) {
	query := s.db.WithContext(ctx).
		Preload("Company").
		Where("visible = ?", true)

	if title := strings.TrimSpace(filters.Title); title != "" {
		query = query.Where("LOWER(title) LIKE ?", "%"+strings.ToLower(title)+"%")
	}
	if location := strings.TrimSpace(filters.Location); location != "" {
		query = query.Where("LOWER(location) LIKE ?", "%"+strings.ToLower(location)+"%")
	}
	if filters.Category != "" {
		query = query.Where("category = ?", filters.Category)
	}
	if filters.Level != "" {
		query = query.Where("level = ?", filters.Level)
	}

	var jobs []database.Job
	if err := query.Order("id").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list visible jobs: %w", err)
	}
	return jobs, nil
}

// Get 返回指定职位及其企业信息。不过滤可见性：
// 详情页与投递一样接受已隐藏的职位（与目录行为一致的既有缺口）。
func (s *Service) Get(ctx context.Context, jobID uint) (*database.Job, error) {
	var job database.Job
	if err := s.db.WithContext(ctx).Preload("Company").First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job %d: %w", jobID, err)
	}
	return &job, nil
}

// Create 以企业身份发布职位，默认可见。
func (s *Service) Create(ctx context.Context, companyID uint, draft Draft) (*database.Job, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	var company database.Company
	if err := s.db.WithContext(ctx).First(&company, companyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query company %d: %w", companyID, err)
	}

	job := database.Job{
		Title:       strings.TrimSpace(draft.Title),
		Description: draft.Description,
		Location:    draft.Location,
		Level:       draft.Level,
		Salary:      draft.Salary,
		Category:    draft.Category,
		Visible:     true,
		CompanyID:   company.ID,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	job.Company = company
	return &job, nil
}

// ListForCompany 返回企业自己的全部职位（含隐藏），附带每个职位的投递数。
func (s *Service) ListForCompany(ctx context.Context, companyID uint) ([]JobWithApplicants, error) {
	var jobs []database.Job
	if err := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("id").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list company jobs: %w", err)
	}

	type jobCount struct {
		JobID uint
		Count int64
	}
	var counts []jobCount
	if err := s.db.WithContext(ctx).
		Model(&database.JobApplication{}).
		Select("job_id, COUNT(*) as count").
		Where("company_id = ?", companyID).
		Group("job_id").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("count applicants: %w", err)
	}

	countByJob := make(map[uint]int64, len(counts))
	for _, c := range counts {
		countByJob[c.JobID] = c.Count
	}

	result := make([]JobWithApplicants, 0, len(jobs))
	for _, job := range jobs {
		result = append(result, JobWithApplicants{Job: job, Applicants: countByJob[job.ID]})
	}
	return result, nil
}

// ToggleVisibility 翻转职位的可见性。只有所属企业可操作；
// 没有“置为指定值”的语义，每次调用都翻转，两次调用回到原状态。
func (s *Service) ToggleVisibility(ctx context.Context, jobID, actingCompanyID uint) (*database.Job, error) {
	var job database.Job
	if err := s.db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job %d: %w", jobID, err)
	}

	if job.CompanyID != actingCompanyID {
		return nil, ErrForbidden
	}

	if err := s.db.WithContext(ctx).
		Model(&job).
		Update("visible", !job.Visible).Error; err != nil {
		return nil, fmt.Errorf("toggle job %d visibility: %w", jobID, err)
	}

	if err := s.db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		return nil, fmt.Errorf("reload job %d: %w", jobID, err)
	}
	return &job, nil
}
