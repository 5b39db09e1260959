package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"careerCanvas/internal/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.Company{}, &database.Job{}, &database.JobApplication{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	user    database.User
	company database.Company
	job     database.Job
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := newTestDB(t)

	user := database.User{ID: "subject-1", Email: "u@example.com", Resume: "https://cdn.example.com/resume.pdf"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	company := database.Company{Name: "Acme", Email: "acme@example.com"}
	if err := db.Create(&company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	job := database.Job{Title: "Backend Engineer", Visible: true, CompanyID: company.ID}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	return fixture{db: db, svc: NewService(db), user: user, company: company, job: job}
}

func (f fixture) applicationCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&database.JobApplication{}).Count(&count).Error; err != nil {
		t.Fatalf("count applications: %v", err)
	}
	return count
}

func TestApply_CreatesApplication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	app, err := f.svc.Apply(ctx, f.user.ID, f.job.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if app.UserID != f.user.ID || app.JobID != f.job.ID {
		t.Fatalf("unexpected application %+v", app)
	}
	if app.CompanyID != f.company.ID {
		t.Fatalf("company id not copied from job, got %d", app.CompanyID)
	}
	if app.AppliedAt.IsZero() {
		t.Fatalf("applied_at not set")
	}
}

func TestApply_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); !errors.Is(err, ErrDuplicateApplication) {
		t.Fatalf("expected ErrDuplicateApplication, got %v", err)
	}
	if got := f.applicationCount(t); got != 1 {
		t.Fatalf("duplicate apply must not create a record, count=%d", got)
	}
}

func TestApply_InsertConflictMapsToDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.db.Session(&gorm.Session{SkipDefaultTransaction: true}))

	// 在查重通过之后、插入落库之前模拟并发投递：
	// 插入撞 (user_id, job_id) 唯一索引，应按重复投递报错。
	raced := false
	err := f.db.Callback().Create().Before("gorm:create").Register("rival_application", func(tx *gorm.DB) {
		if raced {
			return
		}
		if _, ok := tx.Statement.Dest.(*database.JobApplication); !ok {
			return
		}
		raced = true
		if err := f.db.Exec(
			"INSERT INTO job_applications (user_id, job_id, company_id, applied_at) VALUES (?, ?, ?, ?)",
			f.user.ID, f.job.ID, f.company.ID, time.Now(),
		).Error; err != nil {
			t.Errorf("rival insert: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if _, err := svc.Apply(ctx, f.user.ID, f.job.ID); !errors.Is(err, ErrDuplicateApplication) {
		t.Fatalf("expected ErrDuplicateApplication from index collision, got %v", err)
	}
	if !raced {
		t.Fatalf("conflicting insert never fired")
	}
	if got := f.applicationCount(t); got != 1 {
		t.Fatalf("expected exactly 1 application, count=%d", got)
	}
}

func TestApply_UniqueIndexRejectsDirectDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// 绕开服务直接插第二行，唯一索引必须把它挡下来。
	dup := database.JobApplication{UserID: f.user.ID, JobID: f.job.ID, CompanyID: f.company.ID, AppliedAt: time.Now()}
	if err := f.db.Create(&dup).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	if got := f.applicationCount(t); got != 1 {
		t.Fatalf("expected exactly 1 application, count=%d", got)
	}
}

func TestApply_MissingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID+99); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if got := f.applicationCount(t); got != 0 {
		t.Fatalf("failed apply must not create a record, count=%d", got)
	}
}

func TestApply_MissingUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Apply(ctx, "no-such-subject", f.job.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestApply_RequiresResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bare := database.User{ID: "subject-2", Email: "bare@example.com"}
	if err := f.db.Create(&bare).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if _, err := f.svc.Apply(ctx, bare.ID, f.job.ID); !errors.Is(err, ErrResumeRequired) {
		t.Fatalf("expected ErrResumeRequired, got %v", err)
	}

	if err := f.db.Model(&bare).Update("resume", "https://cdn.example.com/r2.pdf").Error; err != nil {
		t.Fatalf("set resume: %v", err)
	}
	if _, err := f.svc.Apply(ctx, bare.ID, f.job.ID); err != nil {
		t.Fatalf("apply after setting resume: %v", err)
	}
}

func TestApply_HiddenJobAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.db.Model(&f.job).Update("visible", false).Error; err != nil {
		t.Fatalf("hide job: %v", err)
	}

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); err != nil {
		t.Fatalf("hidden job must still accept applications: %v", err)
	}
}

func TestListForUser_PreloadsCompanyAndJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	second := database.Job{Title: "SRE", Visible: true, CompanyID: f.company.ID}
	if err := f.db.Create(&second).Error; err != nil {
		t.Fatalf("seed second job: %v", err)
	}

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	if _, err := f.svc.Apply(ctx, f.user.ID, second.ID); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	apps, err := f.svc.ListForUser(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(apps))
	}
	if apps[0].Job.Title != "Backend Engineer" || apps[1].Job.Title != "SRE" {
		t.Fatalf("applications not in insertion order: %q, %q", apps[0].Job.Title, apps[1].Job.Title)
	}
	if apps[0].Company.Name != "Acme" {
		t.Fatalf("company not preloaded")
	}
}

func TestListForCompany_ScopedToCompany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	other := database.Company{Name: "Globex", Email: "globex@example.com"}
	if err := f.db.Create(&other).Error; err != nil {
		t.Fatalf("seed other company: %v", err)
	}
	otherJob := database.Job{Title: "Analyst", Visible: true, CompanyID: other.ID}
	if err := f.db.Create(&otherJob).Error; err != nil {
		t.Fatalf("seed other job: %v", err)
	}

	if _, err := f.svc.Apply(ctx, f.user.ID, f.job.ID); err != nil {
		t.Fatalf("apply own: %v", err)
	}
	if _, err := f.svc.Apply(ctx, f.user.ID, otherJob.ID); err != nil {
		t.Fatalf("apply other: %v", err)
	}

	apps, err := f.svc.ListForCompany(ctx, f.company.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("expected 1 application for company, got %d", len(apps))
	}
	if apps[0].User.Email != "u@example.com" {
		t.Fatalf("user not preloaded")
	}
	if apps[0].Job.Title != "Backend Engineer" {
		t.Fatalf("job not preloaded")
	}
}
