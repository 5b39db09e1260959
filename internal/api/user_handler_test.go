package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"careerCanvas/internal/database"
	"careerCanvas/internal/profile"
	"careerCanvas/internal/tasks"
	"careerCanvas/internal/workflow"
)

const fakeStorageBaseURL = "https://cdn.example.com/"

type fakeStorage struct {
	uploaded map[string][]byte
	deleted  []string
	failWith error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}}
}

func (s *fakeStorage) UploadFile(_ context.Context, objectName string, reader io.ReadSeeker, _ int64, _ string) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	b, _ := io.ReadAll(reader)
	s.uploaded[objectName] = b
	return fakeStorageBaseURL + objectName, nil
}

func (s *fakeStorage) ObjectKeyFromURL(rawURL string) string {
	if !strings.HasPrefix(rawURL, fakeStorageBaseURL) {
		return ""
	}
	return strings.TrimPrefix(rawURL, fakeStorageBaseURL)
}

func (s *fakeStorage) GeneratePresignedURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://signed.example.com/" + objectKey + "?sig=test", nil
}

func (s *fakeStorage) DeleteObject(_ context.Context, objectKey string) error {
	s.deleted = append(s.deleted, objectKey)
	delete(s.uploaded, objectKey)
	return nil
}

type fakeEnqueuer struct {
	enqueued []*asynq.Task
	failWith error
}

func (e *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	e.enqueued = append(e.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

type fakeRateCounter struct {
	counts map[string]int64
}

func newFakeRateCounter() *fakeRateCounter {
	return &fakeRateCounter{counts: map[string]int64{}}
}

func (f *fakeRateCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeRateCounter) Decr(_ context.Context, key string) *redis.IntCmd {
	f.counts[key]--
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeRateCounter) Expire(_ context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

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

func newTestUserHandler(t *testing.T, db *gorm.DB, storage *fakeStorage, enqueuer *fakeEnqueuer) *UserHandler {
	t.Helper()
	return NewUserHandler(
		profile.NewService(db),
		workflow.NewService(db),
		storage,
		enqueuer,
		newFakeRateCounter(),
		nil,
		"", // 测试环境没有 clamd，跳过扫描
		5*1024*1024,
		20,
	)
}

func newMultipartForm(t *testing.T, fields map[string]string, fileField, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestGetMe_AutoProvisions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	h := newTestUserHandler(t, db, newFakeStorage(), &fakeEnqueuer{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/users/me", nil)
	c.Set("subjectID", "subject-1")

	h.GetMe(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	var user database.User
	if err := db.First(&user, "id = ?", "subject-1").Error; err != nil {
		t.Fatalf("profile not provisioned: %v", err)
	}
	if user.Name != "User_ct-1" {
		t.Fatalf("unexpected placeholder name %q", user.Name)
	}
}

func TestUpdateMe_UploadsResumeAndPatchesProfile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	storage := newFakeStorage()
	h := newTestUserHandler(t, db, storage, &fakeEnqueuer{})

	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, map[string]string{
		"headline": "Backend Engineer",
		"skills":   "React, Node.js, MongoDB",
	}, "resume", "cv.pdf", []byte("%PDF-1.4 fake"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	var user database.User
	if err := db.First(&user, "id = ?", "subject-1").Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.Headline != "Backend Engineer" {
		t.Fatalf("headline not applied: %q", user.Headline)
	}
	if got := []string(user.Skills); len(got) != 3 || got[0] != "React" || got[1] != "Node.js" || got[2] != "MongoDB" {
		t.Fatalf("skills not parsed: %v", got)
	}
	if !strings.HasPrefix(user.Resume, "https://cdn.example.com/resumes/subject-1/") {
		t.Fatalf("resume url not stored: %q", user.Resume)
	}
	if len(storage.uploaded) != 1 {
		t.Fatalf("expected 1 uploaded object, got %d", len(storage.uploaded))
	}
}

func TestUpdateMe_ReplacingResumeDeletesOldObject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	storage := newFakeStorage()
	h := newTestUserHandler(t, db, storage, &fakeEnqueuer{})

	oldResume := fakeStorageBaseURL + "resumes/subject-1/old.pdf"
	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com", Resume: oldResume}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, nil, "resume", "cv-v2.pdf", []byte("%PDF-1.4 updated"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	var user database.User
	if err := db.First(&user, "id = ?", "subject-1").Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.Resume == oldResume || !strings.HasPrefix(user.Resume, fakeStorageBaseURL+"resumes/subject-1/") {
		t.Fatalf("resume url not replaced: %q", user.Resume)
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != "resumes/subject-1/old.pdf" {
		t.Fatalf("replaced resume object not cleaned up, deleted=%v", storage.deleted)
	}
}

func TestUpdateMe_FirstResumeDeletesNothing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	storage := newFakeStorage()
	h := newTestUserHandler(t, db, storage, &fakeEnqueuer{})

	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, nil, "resume", "cv.pdf", []byte("%PDF-1.4 fake"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	if len(storage.deleted) != 0 {
		t.Fatalf("first upload must not delete anything, deleted=%v", storage.deleted)
	}
}

func TestUpdateMe_FailedUploadRefundsDailyQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	storage := newFakeStorage()
	storage.failWith = fmt.Errorf("minio unreachable")
	counter := newFakeRateCounter()
	h := newTestUserHandler(t, db, storage, &fakeEnqueuer{})
	h.RedisClient = counter

	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, nil, "resume", "cv.pdf", []byte("%PDF-1.4 fake"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d body=%s", w.Code, w.Body.String())
	}
	for key, count := range counter.counts {
		if count != 0 {
			t.Fatalf("failed upload must not burn quota, key=%q count=%d", key, count)
		}
	}
}

func TestUpdateMe_UploadFailureLeavesProfileUntouched(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	storage := newFakeStorage()
	storage.failWith = fmt.Errorf("minio unreachable")
	h := newTestUserHandler(t, db, storage, &fakeEnqueuer{})

	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com", Headline: "Old Headline"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, map[string]string{
		"headline": "New Headline",
	}, "resume", "cv.pdf", []byte("%PDF-1.4 fake"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d body=%s", w.Code, w.Body.String())
	}

	var user database.User
	if err := db.First(&user, "id = ?", "subject-1").Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.Headline != "Old Headline" {
		t.Fatalf("failed upload must not apply any field, headline=%q", user.Headline)
	}
	if user.Resume != "" {
		t.Fatalf("failed upload must not store resume url, got %q", user.Resume)
	}
}

func TestUpdateMe_RejectsOversizedResume(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	h := newTestUserHandler(t, db, newFakeStorage(), &fakeEnqueuer{})
	h.MaxBytes = 8

	if err := db.Create(&database.User{ID: "subject-1", Email: "u@example.com"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	body, contentType := newMultipartForm(t, nil, "resume", "cv.pdf", []byte("way more than eight bytes"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPut, "/v1/users/me", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set("subjectID", "subject-1")

	h.UpdateMe(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
}

func seedApplyFixture(t *testing.T, db *gorm.DB) (database.User, database.Job) {
	t.Helper()
	user := database.User{ID: "subject-1", Email: "u@example.com", Resume: "https://cdn.example.com/cv.pdf"}
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
	return user, job
}

func applyRequestContext(t *testing.T, w *httptest.ResponseRecorder, jobID uint) *gin.Context {
	t.Helper()
	payload, err := json.Marshal(gin.H{"job_id": jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/v1/users/applications", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set("subjectID", "subject-1")
	return c
}

func TestApply_EnqueuesNotification(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	enqueuer := &fakeEnqueuer{}
	h := newTestUserHandler(t, db, newFakeStorage(), enqueuer)
	_, job := seedApplyFixture(t, db)

	w := httptest.NewRecorder()
	c := applyRequestContext(t, w, job.ID)

	h.Apply(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	if len(enqueuer.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(enqueuer.enqueued))
	}
	if got := enqueuer.enqueued[0].Type(); got != tasks.TypeApplicationReceived {
		t.Fatalf("unexpected task type %q", got)
	}
}

func TestApply_DuplicateReturnsConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	enqueuer := &fakeEnqueuer{}
	h := newTestUserHandler(t, db, newFakeStorage(), enqueuer)
	_, job := seedApplyFixture(t, db)

	w := httptest.NewRecorder()
	h.Apply(applyRequestContext(t, w, job.ID))
	if w.Code != http.StatusCreated {
		t.Fatalf("first apply: expected 201 got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Apply(applyRequestContext(t, w, job.ID))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d body=%s", w.Code, w.Body.String())
	}
	if len(enqueuer.enqueued) != 1 {
		t.Fatalf("duplicate apply must not enqueue, got %d tasks", len(enqueuer.enqueued))
	}
}

func TestApply_MissingJobReturns404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	h := newTestUserHandler(t, db, newFakeStorage(), &fakeEnqueuer{})
	_, job := seedApplyFixture(t, db)

	w := httptest.NewRecorder()
	h.Apply(applyRequestContext(t, w, job.ID+99))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestApply_WithoutResumeReturns400(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	h := newTestUserHandler(t, db, newFakeStorage(), &fakeEnqueuer{})

	company := database.Company{Name: "Acme", Email: "acme@example.com"}
	if err := db.Create(&company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	job := database.Job{Title: "Backend Engineer", Visible: true, CompanyID: company.ID}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	// subject-1 没有档案：Apply 先自动建档，占位档案没有简历。
	w := httptest.NewRecorder()
	h.Apply(applyRequestContext(t, w, job.ID))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
}
