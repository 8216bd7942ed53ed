package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vault-cosigner/pkg/errno"
)

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success returns a success response with data
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = gin.H{} // Return empty object instead of null
	}
	c.JSON(http.StatusOK, Response{
		Code:    errno.OK.Code,
		Message: errno.OK.Message,
		Data:    data,
	})
}

// Error returns an error response, HTTP 状态码按错误类型区分
func Error(c *gin.Context, err error) {
	code, msg := errno.Decode(err)
	c.JSON(httpStatus(err), Response{
		Code:    code,
		Message: msg,
		Data:    gin.H{},
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errno.ErrBind):
		return http.StatusBadRequest
	case errors.Is(err, errno.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, errno.ErrRunLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
