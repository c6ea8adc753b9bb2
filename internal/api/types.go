package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the standard envelope for every handler in this package,
// grounded on the teacher's internal/api/types.go Response/Metadata shape.
type Response struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorInfo carries a failed response's detail.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metadata stamps every response with a timestamp and the request id the
// logging middleware assigned.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

func meta(c *gin.Context) Metadata {
	return Metadata{Timestamp: time.Now(), RequestID: getRequestID(c)}
}

// ok writes a 200 success envelope.
func ok(c *gin.Context, data interface{}) {
	c.JSON(200, Response{Success: true, Data: data, Metadata: meta(c)})
}

// fail writes an error envelope at the given status.
func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}, Metadata: meta(c)})
}

func getRequestID(c *gin.Context) string {
	if v, exists := c.Get("request_id"); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// HealthStatus is returned by GET /health.
type HealthStatus struct {
	Status string `json:"status"`
}
