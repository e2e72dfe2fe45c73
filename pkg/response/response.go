// Package response writes the API's JSON envelope.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Fail sends an error envelope with the given status.
func Fail(c *gin.Context, status int, err string) {
	c.JSON(status, Body{Error: err})
}

// Abort sends an error envelope and stops the handler chain. Used by middleware.
func Abort(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, Body{Error: err})
}

func BadRequest(c *gin.Context, err string)         { Fail(c, http.StatusBadRequest, err) }
func Unauthorized(c *gin.Context, err string)       { Fail(c, http.StatusUnauthorized, err) }
func Forbidden(c *gin.Context, err string)          { Fail(c, http.StatusForbidden, err) }
func NotFound(c *gin.Context, err string)           { Fail(c, http.StatusNotFound, err) }
func Conflict(c *gin.Context, err string)           { Fail(c, http.StatusConflict, err) }
func PayloadTooLarge(c *gin.Context, err string)    { Fail(c, http.StatusRequestEntityTooLarge, err) }
func ServiceUnavailable(c *gin.Context, err string) { Fail(c, http.StatusServiceUnavailable, err) }
func Internal(c *gin.Context, err string)           { Fail(c, http.StatusInternalServerError, err) }
