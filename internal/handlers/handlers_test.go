package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/ocrsdk-gateway/internal/auth"
	"github.com/example/ocrsdk-gateway/internal/ocrsdk"
)

const testJWTSecret = "test-secret"

type stubService struct {
	startTask    *ocrsdk.Task
	startErr     error
	startImage   []byte
	startParams  ocrsdk.ProcessingParams
	info         *ocrsdk.Task
	infoErr      error
	waited       bool
	waitInterval time.Duration
	download     []byte
	downloadErr  error
	downloadURL  string
}

func (s *stubService) StartTask(ctx context.Context, image []byte, params ocrsdk.ProcessingParams) (*ocrsdk.Task, error) {
	s.startImage = image
	s.startParams = params
	return s.startTask, s.startErr
}

func (s *stubService) GetTaskInfo(ctx context.Context, taskID string) (*ocrsdk.Task, error) {
	return s.info, s.infoErr
}

func (s *stubService) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*ocrsdk.Task, error) {
	s.waited = true
	s.waitInterval = interval
	return s.info, s.infoErr
}

func (s *stubService) DownloadRecognizedData(ctx context.Context, resultURL string) ([]byte, error) {
	s.downloadURL = resultURL
	return s.download, s.downloadErr
}

func newTestRouter(svc TaskService) *gin.Engine {
	return newTestRouterWithOptions(svc, Options{PollInterval: 10 * time.Millisecond})
}

func newTestRouterWithOptions(svc TaskService, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, opts, zap.NewNop(), auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func do(t *testing.T, router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestStartTaskRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	req.Header.Set("Content-Type", contentType)

	if resp := do(t, router, req); resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestStartTaskRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	req.Header.Set("Content-Type", contentType)

	if resp := do(t, router, req); resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestStartTaskForwardsImageAndParams(t *testing.T) {
	svc := &stubService{startTask: &ocrsdk.Task{ID: "T1", Status: ocrsdk.StatusSubmitted}}
	router := newTestRouter(svc)
	body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg-bytes"), map[string]string{
		"language":    "English",
		"correctSkew": "false",
		"custom":      "yes",
	})

	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	req.Header.Set("Content-Type", contentType)
	resp := do(t, router, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, resp.Code, resp.Body.String())
	}
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	if string(svc.startImage) != "jpeg-bytes" {
		t.Fatalf("unexpected image forwarded: %q", svc.startImage)
	}
	if svc.startParams.Language != "English" || svc.startParams.CorrectSkew == nil || *svc.startParams.CorrectSkew {
		t.Fatalf("unexpected params: %+v", svc.startParams)
	}
	if svc.startParams.Extra["custom"] != "yes" {
		t.Fatalf("expected custom option forwarded, got %v", svc.startParams.Extra)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["id"] != "T1" || payload["status"] != "Submitted" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestStartTaskRejectsInvalidFlag(t *testing.T) {
	router := newTestRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), map[string]string{"readBarcodes": "maybe"})

	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	req.Header.Set("Content-Type", contentType)

	if resp := do(t, router, req); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestTasksRequireAuthentication(t *testing.T) {
	router := newTestRouter(&stubService{})
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/tasks/T1", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestTasksUnavailableUntilReady(t *testing.T) {
	var ready atomic.Bool
	svc := &stubService{info: &ocrsdk.Task{ID: "T1", Status: ocrsdk.StatusQueued}}
	router := newTestRouterWithOptions(svc, Options{Ready: ready.Load})

	resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health to stay available, got %d", health.Code)
	}

	ready.Store(true)
	if resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1", nil)); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d once ready, got %d", http.StatusOK, resp.Code)
	}
}

func TestGetTaskMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&ocrsdk.Error{Kind: ocrsdk.KindNotFound, StatusCode: 404}, http.StatusNotFound},
		{&ocrsdk.Error{Kind: ocrsdk.KindNotEnoughCredits, StatusCode: 402}, http.StatusPaymentRequired},
		{&ocrsdk.Error{Kind: ocrsdk.KindAuth, StatusCode: 401}, http.StatusBadGateway},
		{&ocrsdk.Error{Kind: ocrsdk.KindTransport}, http.StatusServiceUnavailable},
		{&ocrsdk.Error{Kind: ocrsdk.KindTransport, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&ocrsdk.Error{Kind: ocrsdk.KindInvalidRequest}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		router := newTestRouter(&stubService{infoErr: tc.err})
		resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1", nil))
		if resp.Code != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, resp.Code)
		}
	}
}

func TestGetResultDownloadsCompletedTask(t *testing.T) {
	svc := &stubService{
		info:     &ocrsdk.Task{ID: "T1", Status: ocrsdk.StatusCompleted, ResultURL: "https://blob/T1.txt"},
		download: []byte("recognized text"),
	}
	router := newTestRouter(svc)

	resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1/result?wait=1s", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "recognized text" {
		t.Fatalf("unexpected body: %q", resp.Body.String())
	}
	if !svc.waited || svc.waitInterval != 10*time.Millisecond {
		t.Fatalf("expected wait with configured interval, got waited=%v interval=%s", svc.waited, svc.waitInterval)
	}
	if svc.downloadURL != "https://blob/T1.txt" {
		t.Fatalf("unexpected download url: %s", svc.downloadURL)
	}
}

func TestGetResultNotReady(t *testing.T) {
	router := newTestRouter(&stubService{info: &ocrsdk.Task{ID: "T1", Status: ocrsdk.StatusInProgress}})
	if resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1/result", nil)); resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}

	router = newTestRouter(&stubService{info: &ocrsdk.Task{ID: "T1", Status: ocrsdk.StatusProcessingFailed}})
	if resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1/result", nil)); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}

	router = newTestRouter(&stubService{})
	if resp := do(t, router, httptest.NewRequest(http.MethodGet, "/tasks/T1/result?wait=soon", nil)); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
