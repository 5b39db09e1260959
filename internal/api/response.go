package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Success 输出 {"success": true, ...payload} 形式的响应。
func Success(c *gin.Context, status int, payload gin.H) {
	body := gin.H{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// Fail 输出 {"success": false, "message": msg} 形式的响应。
// 业务失败一律走这里，存储与外部适配器的原始错误不外漏。
func Fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
}

func Unauthorized(c *gin.Context)           { Fail(c, http.StatusUnauthorized, "unauthorized") }
func BadRequest(c *gin.Context, msg string) { Fail(c, http.StatusBadRequest, msg) }
func Forbidden(c *gin.Context, msg string)  { Fail(c, http.StatusForbidden, msg) }
func NotFound(c *gin.Context, msg string)   { Fail(c, http.StatusNotFound, msg) }
func Conflict(c *gin.Context, msg string)   { Fail(c, http.StatusConflict, msg) }
func Internal(c *gin.Context, msg string)   { Fail(c, http.StatusInternalServerError, msg) }
