package middleware

import (
	"github.com/gin-gonic/gin"

	"careerCanvas/internal/identity"
)

// IdentityMiddleware 解析外部身份提供商签发的令牌，
// 将 subject 标识注入上下文。没有可解析主体的请求在此终止。
func IdentityMiddleware(provider identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		subjectID, err := provider.Verify(bearerToken(c))
		if err != nil || subjectID == "" {
			abortUnauthorized(c)
			return
		}

		c.Set("subjectID", subjectID)
		c.Next()
	}
}
