package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/session-snapshot/internal/domain/session"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondErr picks the status from the error code carried by err.
func RespondErr(c *gin.Context, err error) {
	code := session.CodeOf(err)
	RespondError(c, StatusFor(code), string(code), err)
}

func StatusFor(code session.ErrorCode) int {
	switch code {
	case session.CodeValidation:
		return http.StatusBadRequest
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeConflict:
		return http.StatusConflict
	case session.CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
