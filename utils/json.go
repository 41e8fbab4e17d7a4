package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/model"
)

// Success writes a success JSON response.
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, gin.H{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

// Fail writes an error JSON response with a status derived from err.
func Fail(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{
		"code": -1,
		"msg":  err.Error(),
	})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTaskActive), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrTunnel), errors.Is(err, model.ErrUpload), errors.Is(err, model.ErrResolution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
