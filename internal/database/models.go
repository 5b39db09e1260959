package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User 表示求职者档案。主键为外部身份提供商签发的 subject 标识，
// 首次请求时自动建档（见 profile 包），此后不可变更、不会删除。
type User struct {
	ID        string                      `gorm:"primaryKey;size:191"`
	Name      string                      `gorm:"size:255"`
	Email     string                      `gorm:"uniqueIndex;size:255"`
	Resume    string                      `gorm:"size:512"`
	Image     string                      `gorm:"size:512"`
	Headline  string                      `gorm:"size:255"` // 为空表示 onboarding 未完成
	Portfolio string                      `gorm:"size:512"`
	Skills    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Location  string                      `gorm:"size:255"`
	Phone     string                      `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Company 表示发布职位的企业账号。
type Company struct {
	gorm.Model
	Name               string `gorm:"size:255"`
	Email              string `gorm:"uniqueIndex;size:255"`
	Image              string `gorm:"size:512"`
	Description        string `gorm:"type:text"`
	PasswordHash       string `gorm:"size:255"`
	MustChangePassword bool   `gorm:"default:false"`
}

// Job 表示企业发布的职位。不做物理删除，仅通过 Visible 控制公开目录曝光。
type Job struct {
	gorm.Model
	Title       string `gorm:"size:255"`
	Description string `gorm:"type:text"`
	Location    string `gorm:"size:255"`
	Level       string `gorm:"size:64"`
	Salary      int64
	Category    string  `gorm:"size:128"`
	Visible     bool    `gorm:"default:true"`
	CompanyID   uint    `gorm:"index"`
	Company     Company `gorm:"constraint:OnDelete:CASCADE"`
}

// JobApplication 表示一次投递，创建后不可变。
// (user_id, job_id) 复合唯一索引是重复投递的最终裁决点，
// CompanyID 为创建时从 Job 冗余拷贝，仅用于展示查询。
type JobApplication struct {
	gorm.Model
	UserID    string `gorm:"size:191;index;uniqueIndex:idx_user_job"`
	JobID     uint   `gorm:"uniqueIndex:idx_user_job"`
	CompanyID uint   `gorm:"index"`
	AppliedAt time.Time
	User      User    `gorm:"constraint:OnDelete:CASCADE"`
	Job       Job     `gorm:"constraint:OnDelete:CASCADE"`
	Company   Company `gorm:"constraint:OnDelete:CASCADE"`
}
