package ocrsdk

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testAppID    = "app"
	testPassword = "secret"
)

// fakeOCRSDK emulates the subset of the Cloud OCR SDK the client uses.
type fakeOCRSDK struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	json           bool
	installationID string
	calls          map[string]int
	lastUser       string
	lastParams     url.Values
	lastUpload     []byte
	statuses       map[string][]TaskStatus
	results        map[string][]byte
	resultBaseURL  string
	activateDelay  time.Duration
}

func newFakeOCRSDK(t *testing.T) *fakeOCRSDK {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fakeOCRSDK{
		t:              t,
		installationID: "inst-42",
		calls:          make(map[string]int),
		statuses:       make(map[string][]TaskStatus),
		results:        make(map[string][]byte),
	}

	router := gin.New()
	router.GET("/activateNewInstallation", f.activate)
	router.POST("/processImage", f.processImage)
	router.GET("/getTaskStatus", f.getTaskStatus)
	router.GET("/results/:name", f.download)

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOCRSDK) URL() string {
	return f.server.URL
}

func (f *fakeOCRSDK) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeOCRSDK) setStatuses(taskID string, statuses ...TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = statuses
}

func (f *fakeOCRSDK) setResult(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = data
}

func (f *fakeOCRSDK) record(c *gin.Context) (user string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[c.Request.URL.Path]++
	user, pass, ok := c.Request.BasicAuth()
	f.lastUser = user
	return user, ok && pass == testPassword
}

func (f *fakeOCRSDK) fail(c *gin.Context, status int, message string) {
	if f.json {
		c.JSON(status, gin.H{"error": gin.H{"message": message}})
		return
	}
	c.Data(status, "text/xml; charset=utf-8",
		[]byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><error><message language="english">%s</message></error>`, message)))
}

func (f *fakeOCRSDK) activate(c *gin.Context) {
	user, ok := f.record(c)
	if !ok || user != testAppID {
		f.fail(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if c.Query("deviceId") == "" {
		f.fail(c, http.StatusBadRequest, "deviceId is required")
		return
	}

	f.mu.Lock()
	id, useJSON, delay := f.installationID, f.json, f.activateDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if useJSON {
		c.JSON(http.StatusOK, gin.H{"installationId": id})
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(`<response><authToken>`+id+`</authToken></response>`))
}

func (f *fakeOCRSDK) processImage(c *gin.Context) {
	if _, ok := f.record(c); !ok {
		f.fail(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		f.fail(c, http.StatusBadRequest, "file is required")
		return
	}
	src, err := file.Open()
	if err != nil {
		f.fail(c, http.StatusBadRequest, "unreadable file")
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		f.fail(c, http.StatusBadRequest, "unreadable file")
		return
	}

	f.mu.Lock()
	f.lastUpload = data
	f.lastParams = c.Request.URL.Query()
	useJSON := f.json
	f.mu.Unlock()

	if useJSON {
		c.JSON(http.StatusOK, gin.H{"taskId": "T1", "taskStatus": "Submitted"})
		return
	}
	f.writeTask(c, "T1", StatusSubmitted)
}

func (f *fakeOCRSDK) getTaskStatus(c *gin.Context) {
	if _, ok := f.record(c); !ok {
		f.fail(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	taskID := c.Query("taskId")

	f.mu.Lock()
	statuses, known := f.statuses[taskID]
	var status TaskStatus
	if known {
		status = statuses[0]
		if len(statuses) > 1 {
			f.statuses[taskID] = statuses[1:]
		}
	}
	f.mu.Unlock()

	if !known {
		f.fail(c, http.StatusNotFound, "Task not found")
		return
	}
	f.writeTask(c, taskID, status)
}

func (f *fakeOCRSDK) download(c *gin.Context) {
	f.mu.Lock()
	f.calls[c.Request.URL.Path]++
	data, ok := f.results[c.Param("name")]
	f.mu.Unlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "text/plain", data)
}

func (f *fakeOCRSDK) writeTask(c *gin.Context, taskID string, status TaskStatus) {
	f.mu.Lock()
	resultBase := f.resultBaseURL
	f.mu.Unlock()
	if resultBase == "" {
		resultBase = f.server.URL + "/results"
	}

	var resultAttr string
	if status == StatusCompleted {
		resultAttr = fmt.Sprintf(` resultUrl="%s/%s.txt"`, resultBase, taskID)
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<response>
  <task id="%s" registrationTime="2013-06-04T10:00:00Z" statusChangeTime="2013-06-04T10:00:05Z" status="%s" filesCount="1" credits="0" estimatedProcessingTime="5"%s/>
</response>`, taskID, status, resultAttr)
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(strings.TrimSpace(body)))
}
