package ocrsdk

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var errMissingField = errors.New("missing field")

type xmlResponse struct {
	XMLName   xml.Name `xml:"response"`
	Task      *xmlTask `xml:"task"`
	AuthToken string   `xml:"authToken"`
}

type xmlTask struct {
	ID                      string `xml:"id,attr"`
	Status                  string `xml:"status,attr"`
	FilesCount              string `xml:"filesCount,attr"`
	Credits                 string `xml:"credits,attr"`
	RegistrationTime        string `xml:"registrationTime,attr"`
	StatusChangeTime        string `xml:"statusChangeTime,attr"`
	EstimatedProcessingTime string `xml:"estimatedProcessingTime,attr"`
	ResultURL               string `xml:"resultUrl,attr"`
}

type xmlError struct {
	XMLName xml.Name `xml:"error"`
	Message string   `xml:"message"`
}

type jsonTask struct {
	TaskID                  string   `json:"taskId"`
	ID                      string   `json:"id"`
	Status                  string   `json:"status"`
	TaskStatus              string   `json:"taskStatus"`
	FilesCount              int      `json:"filesCount"`
	Credits                 int      `json:"credits"`
	RegistrationTime        string   `json:"registrationTime"`
	StatusChangeTime        string   `json:"statusChangeTime"`
	EstimatedProcessingTime int      `json:"estimatedProcessingTime"`
	ResultURL               string   `json:"resultUrl"`
	ResultURLs              []string `json:"resultUrls"`
}

type jsonActivation struct {
	AuthToken      string `json:"authToken"`
	InstallationID string `json:"installationId"`
}

type jsonError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func isJSON(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			return true
		}
		if strings.HasSuffix(mediaType, "xml") {
			return false
		}
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func decodeTask(contentType string, body []byte) (*Task, error) {
	if isJSON(contentType, body) {
		return decodeJSONTask(body)
	}
	return decodeXMLTask(body)
}

func decodeXMLTask(body []byte) (*Task, error) {
	var resp xmlResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode task response: %w", err)
	}
	if resp.Task == nil {
		return nil, fmt.Errorf("decode task response: %w: task", errMissingField)
	}
	raw := resp.Task

	filesCount, err := parseInt(KeyFilesCount, raw.FilesCount)
	if err != nil {
		return nil, err
	}
	credits, err := parseInt(KeyCredits, raw.Credits)
	if err != nil {
		return nil, err
	}
	estimated, err := parseInt(KeyEstimatedProcessingTime, raw.EstimatedProcessingTime)
	if err != nil {
		return nil, err
	}
	return buildTask(raw.ID, raw.Status, filesCount, credits, estimated,
		raw.RegistrationTime, raw.StatusChangeTime, raw.ResultURL)
}

func decodeJSONTask(body []byte) (*Task, error) {
	var raw jsonTask
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode task response: %w", err)
	}
	id := raw.TaskID
	if id == "" {
		id = raw.ID
	}
	status := raw.Status
	if status == "" {
		status = raw.TaskStatus
	}
	resultURL := raw.ResultURL
	if resultURL == "" && len(raw.ResultURLs) > 0 {
		resultURL = raw.ResultURLs[0]
	}
	return buildTask(id, status, raw.FilesCount, raw.Credits, raw.EstimatedProcessingTime,
		raw.RegistrationTime, raw.StatusChangeTime, resultURL)
}

func buildTask(id, status string, filesCount, credits, estimatedSeconds int, registered, changed, resultURL string) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("decode task response: %w: %s", errMissingField, KeyTaskID)
	}
	taskStatus := TaskStatus(status)
	if !taskStatus.IsKnown() {
		return nil, fmt.Errorf("decode task response: unknown %s %q", KeyStatus, status)
	}
	registrationTime, err := parseTime(KeyRegistrationTime, registered)
	if err != nil {
		return nil, err
	}
	statusChangeTime, err := parseTime(KeyStatusChangeTime, changed)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:                      id,
		Status:                  taskStatus,
		FilesCount:              filesCount,
		Credits:                 credits,
		RegistrationTime:        registrationTime,
		StatusChangeTime:        statusChangeTime,
		EstimatedProcessingTime: time.Duration(estimatedSeconds) * time.Second,
		ResultURL:               resultURL,
	}, nil
}

func decodeActivation(contentType string, body []byte) (string, error) {
	var token string
	if isJSON(contentType, body) {
		var raw jsonActivation
		if err := json.Unmarshal(body, &raw); err != nil {
			return "", fmt.Errorf("decode activation response: %w", err)
		}
		token = raw.AuthToken
		if token == "" {
			token = raw.InstallationID
		}
	} else {
		var resp xmlResponse
		if err := xml.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode activation response: %w", err)
		}
		token = resp.AuthToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("decode activation response: %w: authToken", errMissingField)
	}
	return token, nil
}

// decodeErrorMessage extracts the human readable message of an error body.
// It falls back to the trimmed body when the format is not recognized.
func decodeErrorMessage(contentType string, body []byte) string {
	if isJSON(contentType, body) {
		var raw jsonError
		if err := json.Unmarshal(body, &raw); err == nil {
			if raw.Error.Message != "" {
				return raw.Error.Message
			}
			if raw.Message != "" {
				return raw.Message
			}
		}
	} else {
		var raw xmlError
		if err := xml.Unmarshal(body, &raw); err == nil && raw.Message != "" {
			return strings.TrimSpace(raw.Message)
		}
	}
	const maxLen = 512
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

func parseInt(key, value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("decode task response: %s: %w", key, err)
	}
	return n, nil
}

func parseTime(key, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode task response: %s: %w", key, err)
	}
	return t, nil
}
