package handler

import (
	"github.com/gin-gonic/gin"

	"vault-cosigner/internal/handler/response"
)

// HealthCheck 返回服务状态
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{
		"status":  "UP",
		"version": "1.0.0",
		"service": "vault-cosigner",
	})
}
