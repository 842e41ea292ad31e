package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ocrsdk-gateway/internal/logging"
	"github.com/example/ocrsdk-gateway/internal/ocrsdk"
)

// MaxUploadSize is the default limit for uploaded images.
const MaxUploadSize = 32 << 20

const requestIDHeader = "X-Request-ID"

// TaskService is the subset of the OCR SDK client the gateway exposes.
type TaskService interface {
	StartTask(ctx context.Context, image []byte, params ocrsdk.ProcessingParams) (*ocrsdk.Task, error)
	GetTaskInfo(ctx context.Context, taskID string) (*ocrsdk.Task, error)
	WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*ocrsdk.Task, error)
	DownloadRecognizedData(ctx context.Context, resultURL string) ([]byte, error)
}

// Options tunes the gateway routes.
type Options struct {
	MaxUploadBytes int64
	PollInterval   time.Duration
	MaxWait        time.Duration
	// Ready gates the task routes; they answer 503 while it returns false.
	// A nil Ready means always ready.
	Ready func() bool
}

type routes struct {
	svc    TaskService
	opts   Options
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc TaskService, opts Options, logger *zap.Logger, authMiddleware gin.HandlerFunc) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Minute
	}
	r := &routes{svc: svc, opts: opts, logger: logger.Named("handlers")}

	router.Use(requestID())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tasks := router.Group("/tasks", requireReady(opts.Ready), authMiddleware)
	tasks.POST("", r.startTask)
	tasks.GET("/:id", r.getTask)
	tasks.GET("/:id/result", r.getResult)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requireReady(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil && !ready() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":      "installation not activated yet",
				"retryable":  true,
				"request_id": c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

func (r *routes) opLogger(c *gin.Context, operation string) *zap.Logger {
	return logging.WithOperation(r.logger, operation,
		zap.String("request_id", c.GetString("request_id")),
		zap.String("task_id", c.Param("id")),
	)
}

func (r *routes) startTask(c *gin.Context) {
	logger := r.opLogger(c, "handlers.start_task")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxUploadBytes+1<<20)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > r.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	if !acceptedContentType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	params, err := processingParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	task, err := r.svc.StartTask(c.Request.Context(), data, params)
	if err != nil {
		logger.Error("start task failed", zap.Error(err))
		writeError(c, err)
		return
	}
	logger.Info("task started", zap.String("task_id", task.ID))
	c.JSON(http.StatusAccepted, taskBody(task))
}

func (r *routes) getTask(c *gin.Context) {
	task, err := r.svc.GetTaskInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.opLogger(c, "handlers.get_task").Error("get task failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskBody(task))
}

func (r *routes) getResult(c *gin.Context) {
	logger := r.opLogger(c, "handlers.get_result")
	ctx := c.Request.Context()

	var (
		task *ocrsdk.Task
		err  error
	)
	if raw := c.Query("wait"); raw != "" {
		wait, parseErr := time.ParseDuration(raw)
		if parseErr != nil || wait <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a positive duration"})
			return
		}
		if wait > r.opts.MaxWait {
			wait = r.opts.MaxWait
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		task, err = r.svc.WaitForTask(waitCtx, c.Param("id"), r.opts.PollInterval)
		if err != nil && task != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	} else {
		task, err = r.svc.GetTaskInfo(ctx, c.Param("id"))
	}
	if err != nil {
		logger.Error("get task failed", zap.Error(err))
		writeError(c, err)
		return
	}

	if !task.Completed() {
		status := http.StatusConflict
		if task.Status.IsTerminal() {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": "result not available", "task": taskBody(task)})
		return
	}

	data, err := r.svc.DownloadRecognizedData(ctx, task.ResultURL)
	if err != nil {
		logger.Error("download failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func acceptedContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "application/pdf")
}

var typedParams = map[string]struct{}{
	"language": {}, "profile": {}, "textType": {}, "imageSource": {}, "exportFormat": {},
	"correctOrientation": {}, "correctSkew": {}, "readBarcodes": {}, "description": {}, "pdfPassword": {},
}

// processingParams maps multipart form fields onto processing options.
// Unknown fields are forwarded as-is.
func processingParams(c *gin.Context) (ocrsdk.ProcessingParams, error) {
	params := ocrsdk.ProcessingParams{
		Language:     c.PostForm("language"),
		Profile:      c.PostForm("profile"),
		TextType:     c.PostForm("textType"),
		ImageSource:  c.PostForm("imageSource"),
		ExportFormat: c.PostForm("exportFormat"),
		Description:  c.PostForm("description"),
		PDFPassword:  c.PostForm("pdfPassword"),
	}

	flags := map[string]**bool{
		"correctOrientation": &params.CorrectOrientation,
		"correctSkew":        &params.CorrectSkew,
		"readBarcodes":       &params.ReadBarcodes,
	}
	for name, dst := range flags {
		raw, ok := c.GetPostForm(name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return params, errors.New(name + " must be a boolean")
		}
		*dst = ocrsdk.Bool(v)
	}

	if c.Request.MultipartForm != nil {
		for name, values := range c.Request.MultipartForm.Value {
			if _, typed := typedParams[name]; typed || len(values) == 0 {
				continue
			}
			if params.Extra == nil {
				params.Extra = make(map[string]string)
			}
			params.Extra[name] = values[0]
		}
	}
	return params, nil
}

func taskBody(task *ocrsdk.Task) gin.H {
	body := gin.H{
		"id":                           task.ID,
		"status":                       task.Status,
		"terminal":                     task.Status.IsTerminal(),
		"files_count":                  task.FilesCount,
		"credits":                      task.Credits,
		"estimated_processing_seconds": int64(task.EstimatedProcessingTime / time.Second),
	}
	if !task.RegistrationTime.IsZero() {
		body["registration_time"] = task.RegistrationTime
	}
	if !task.StatusChangeTime.IsZero() {
		body["status_change_time"] = task.StatusChangeTime
	}
	if task.ResultURL != "" {
		body["result_url"] = task.ResultURL
	}
	return body
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := ocrsdk.KindOf(err)
	switch kind {
	case ocrsdk.KindInvalidRequest:
		status = http.StatusBadRequest
	case ocrsdk.KindNotFound:
		status = http.StatusNotFound
	case ocrsdk.KindNotEnoughCredits:
		status = http.StatusPaymentRequired
	case ocrsdk.KindTransport:
		status = http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
	case ocrsdk.KindAuth, ocrsdk.KindServer, ocrsdk.KindParse:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error":      err.Error(),
		"kind":       kind.String(),
		"retryable":  ocrsdk.IsRetryable(err),
		"request_id": c.GetString("request_id"),
	})
}
