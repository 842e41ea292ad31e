// Package ocrsdk is a client for the ABBYY Cloud OCR SDK web API.
//
// The Client methods block until the exchange completes and honor context
// cancellation. Async layers a callback API on top for callers that must not
// block.
package ocrsdk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/ocrsdk-gateway/internal/installation"
	"github.com/example/ocrsdk-gateway/internal/logging"
)

// DefaultBaseURL is the public Cloud OCR SDK endpoint.
const DefaultBaseURL = "https://cloud.ocrsdk.com"

const (
	activatePath  = "activateNewInstallation"
	processPath   = "processImage"
	taskInfoPath  = "getTaskStatus"
	uploadField   = "file"
	uploadName    = "image"
	maxResultSize = 256 << 20
)

// Client talks to the Cloud OCR SDK on behalf of one application.
type Client struct {
	applicationID string
	password      string

	rawBaseURL string
	baseURL    *url.URL
	httpClient *http.Client
	store      installation.Store
	logger     *zap.Logger

	activations      singleflight.Group
	maxResponseBytes int64

	mu             sync.RWMutex
	installationID string
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another API host, e.g. a regional endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.rawBaseURL = baseURL }
}

// WithHTTPClient replaces the transport. Timeouts, proxies and pooling are configured there.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithStore sets where installation identifiers are cached.
func WithStore(store installation.Store) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client authenticating as applicationID with password.
func New(applicationID, password string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(applicationID) == "" {
		return nil, errors.New("ocrsdk: application id is required")
	}
	if password == "" {
		return nil, errors.New("ocrsdk: password is required")
	}

	c := &Client{
		applicationID: applicationID,
		password:      password,
		rawBaseURL:    DefaultBaseURL,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		store:         installation.NewMemoryStore(),
		logger:        zap.NewNop(),

		maxResponseBytes: maxResultSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	base, err := url.Parse(c.rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("ocrsdk: parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("ocrsdk: base url must be absolute http(s), got %q", c.rawBaseURL)
	}
	c.baseURL = base
	c.logger = c.logger.Named("ocrsdk")
	return c, nil
}

// ApplicationID returns the application the client authenticates as.
func (c *Client) ApplicationID() string {
	return c.applicationID
}

// InstallationID returns the active installation identifier, or "" before activation.
func (c *Client) InstallationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.installationID
}

func (c *Client) setInstallationID(id string) {
	c.mu.Lock()
	c.installationID = id
	c.mu.Unlock()
}

// ActivateInstallation makes the client use an installation registered for deviceID.
// Unless force is set, a previously stored identifier is reused without contacting
// the server. Call it before submitting any image.
func (c *Client) ActivateInstallation(ctx context.Context, deviceID string, force bool) error {
	const op = "ocrsdk.activate_installation"
	if strings.TrimSpace(deviceID) == "" {
		return &Error{Op: op, Kind: KindInvalidRequest, Message: "device id is required"}
	}
	key := installation.Key(c.applicationID, deviceID)
	opLogger := logging.WithOperation(c.logger, op, zap.String("device_id", deviceID))

	if !force {
		id, ok, err := c.store.Load(ctx, key)
		switch {
		case err != nil:
			opLogger.Warn("failed to read cached installation id", zap.Error(err))
		case ok && id != "":
			c.setInstallationID(id)
			opLogger.Debug("using cached installation id")
			return nil
		}
	}

	// The shared request outlives any single caller; each caller still
	// returns as soon as its own ctx ends.
	ch := c.activations.DoChan(key, func() (interface{}, error) {
		return nil, c.activate(context.WithoutCancel(ctx), op, deviceID, key, opLogger)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return newError(op, KindTransport, ctx.Err())
	}
}

func (c *Client) activate(ctx context.Context, op, deviceID, key string, opLogger *zap.Logger) error {
	endpoint := c.endpoint(activatePath, url.Values{"deviceId": {deviceID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newError(op, KindInvalidRequest, err)
	}
	req.SetBasicAuth(c.applicationID, c.password)

	body, contentType, err := c.do(op, req)
	if err != nil {
		return err
	}
	id, err := decodeActivation(contentType, body)
	if err != nil {
		opLogger.Error("unexpected activation response", zap.Error(err))
		return &Error{Op: op, Kind: KindParse, StatusCode: http.StatusOK, Err: err}
	}

	if err := c.store.Save(ctx, key, id); err != nil {
		opLogger.Error("failed to persist installation id", zap.Error(err))
		return newError(op, KindStorage, err)
	}
	c.setInstallationID(id)
	opLogger.Info("installation activated")
	return nil
}

// StartTask uploads image and starts processing it with params.
func (c *Client) StartTask(ctx context.Context, image []byte, params ProcessingParams) (*Task, error) {
	const op = "ocrsdk.start_task"
	if len(image) == 0 {
		return nil, &Error{Op: op, Kind: KindInvalidRequest, Message: "image is empty"}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(uploadField, uploadName)
	if err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}
	if err := writer.Close(); err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(processPath, params.Values()), &body)
	if err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	task, err := c.doTask(op, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int("image_bytes", len(image)),
	)
	return task, nil
}

// GetTaskInfo fetches the current state of a task. Nothing is cached; every call hits the server.
func (c *Client) GetTaskInfo(ctx context.Context, taskID string) (*Task, error) {
	const op = "ocrsdk.get_task_info"
	if strings.TrimSpace(taskID) == "" {
		return nil, &Error{Op: op, Kind: KindInvalidRequest, Message: "task id is required"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(taskInfoPath, url.Values{"taskId": {taskID}}), nil)
	if err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}
	c.authorize(req)
	return c.doTask(op, req)
}

// DownloadRecognizedData fetches a task result. resultURL usually points at
// blob storage; credentials are sent only to the API host itself.
func (c *Client) DownloadRecognizedData(ctx context.Context, resultURL string) ([]byte, error) {
	const op = "ocrsdk.download_recognized_data"
	target, err := url.Parse(resultURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, &Error{Op: op, Kind: KindInvalidRequest, Message: fmt.Sprintf("invalid result url %q", resultURL), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, newError(op, KindInvalidRequest, err)
	}
	if strings.EqualFold(target.Host, c.baseURL.Host) {
		c.authorize(req)
	}

	body, _, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("result downloaded", zap.String("host", target.Host), zap.Int("bytes", len(body)))
	return body, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	return u.String()
}

// authorize attaches task credentials. Mobile installations authenticate as
// the application id suffixed with the installation id.
func (c *Client) authorize(req *http.Request) {
	req.SetBasicAuth(c.applicationID+c.InstallationID(), c.password)
}

func (c *Client) doTask(op string, req *http.Request) (*Task, error) {
	body, contentType, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	task, err := decodeTask(contentType, body)
	if err != nil {
		c.logger.Error("unexpected task response", zap.String("operation", op), zap.Error(err))
		return nil, &Error{Op: op, Kind: KindParse, StatusCode: http.StatusOK, Err: err}
	}
	return task, nil
}

// do performs req and returns the body of a 2xx response.
func (c *Client) do(op string, req *http.Request) ([]byte, string, error) {
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("request failed",
			zap.String("operation", op),
			zap.String("host", req.URL.Host),
			zap.Error(err),
		)
		return nil, "", newError(op, KindTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, "", &Error{Op: op, Kind: KindTransport, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxResponseBytes {
		c.logger.Error("response too large",
			zap.String("operation", op),
			zap.String("host", req.URL.Host),
			zap.Int64("limit", c.maxResponseBytes),
		)
		return nil, "", &Error{
			Op:         op,
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response exceeds limit of %d bytes", c.maxResponseBytes),
		}
	}
	contentType := resp.Header.Get("Content-Type")

	c.logger.Debug("request completed",
		zap.String("operation", op),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{
			Op:         op,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    decodeErrorMessage(contentType, body),
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Error("server rejected request",
			zap.String("operation", op),
			zap.String("kind", apiErr.Kind.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message),
		)
		return nil, "", apiErr
	}
	return body, contentType, nil
}
