package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"careerCanvas/internal/database"
)

// ErrNotFound 表示 subject 对应的档案不存在。
var ErrNotFound = errors.New("user profile not found")

const placeholderImageURL = "https://via.placeholder.com/150"

// Service 负责求职者档案的自动建档与更新。
type Service struct {
	db *gorm.DB
}

// NewService 构造 Service。
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Patch 描述一次档案更新。nil 表示该字段不动，
// 非 nil（包括指向空值）表示显式写入，不做任何“假值即缺省”的推断。
type Patch struct {
	Headline  *string
	Portfolio *string
	Location  *string
	Phone     *string
	Skills    *[]string
	Resume    *string
}

// Get 按 subject 查档案，不存在时返回 ErrNotFound，不做自动建档。
func (s *Service) Get(ctx context.Context, subjectID string) (*database.User, error) {
	var user database.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", subjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user %q: %w", subjectID, err)
	}
	return &user, nil
}

// GetOrCreate 按 subject 查档案，不存在则插入占位档案后返回。
// 主键唯一约束兜底并发建档：插入撞到重复键说明别的请求刚建好，回读即可。
func (s *Service) GetOrCreate(ctx context.Context, subjectID string) (*database.User, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	var user database.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", subjectID).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("query user %q: %w", subjectID, err)
	}

	user = database.User{
		ID:    subjectID,
		Name:  placeholderName(subjectID),
		Email: placeholderEmail(subjectID),
		Image: placeholderImageURL,
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var existing database.User
			if err := s.db.WithContext(ctx).First(&existing, "id = ?", subjectID).Error; err != nil {
				return nil, fmt.Errorf("reread user %q after conflict: %w", subjectID, err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("create user %q: %w", subjectID, err)
	}

	return &user, nil
}

// Update 应用一次档案更新并返回最新档案。
// 简历上传由调用方先行完成，这里只在一条语句里落库全部字段，
// 保证“上传失败则什么都不写”的整体语义。
func (s *Service) Update(ctx context.Context, subjectID string, patch Patch) (*database.User, error) {
	var user database.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", subjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user %q: %w", subjectID, err)
	}

	updates := map[string]any{}
	if patch.Headline != nil {
		updates["headline"] = *patch.Headline
	}
	if patch.Portfolio != nil {
		updates["portfolio"] = *patch.Portfolio
	}
	if patch.Location != nil {
		updates["location"] = *patch.Location
	}
	if patch.Phone != nil {
		updates["phone"] = *patch.Phone
	}
	if patch.Skills != nil {
		updates["skills"] = datatypes.JSONSlice[string](*patch.Skills)
	}
	if patch.Resume != nil {
		updates["resume"] = *patch.Resume
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update user %q: %w", subjectID, err)
		}
		if err := s.db.WithContext(ctx).First(&user, "id = ?", subjectID).Error; err != nil {
			return nil, fmt.Errorf("reload user %q: %w", subjectID, err)
		}
	}

	return &user, nil
}

// ParseSkills 把表单里的技能字段归一化成列表。
// 优先按 JSON 数组解析，解析不动就按逗号拆分；
// 逐项去空白、丢空串，顺序与重复保持原样。
func ParseSkills(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var parsed []string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		parsed = strings.Split(raw, ",")
	}

	skills := make([]string, 0, len(parsed))
	for _, skill := range parsed {
		if trimmed := strings.TrimSpace(skill); trimmed != "" {
			skills = append(skills, trimmed)
		}
	}
	if len(skills) == 0 {
		return nil
	}
	return skills
}

func placeholderName(subjectID string) string {
	suffix := subjectID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "User_" + suffix
}

// placeholderEmail 必须对每个 subject 唯一，否则第二个占位档案会撞邮箱唯一索引。
func placeholderEmail(subjectID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, subjectID)
	return fmt.Sprintf("pending+%s@careercanvas.local", sanitized)
}
