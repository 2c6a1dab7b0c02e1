package middleware

import (
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hynko431/fraud-shield/pkg/ratelimit"
)

// RateLimit はクライアント単位のレート制限を適用するGinミドルウェアを返す。
// カウンタのキーには認証済みクライアント識別子を使用し、未認証の場合は
// 接続元IPアドレスにフォールバックする。classはカウンタの名前空間で、
// 同一クライアントでもルート種別ごとに独立したウィンドウを持たせるために使う。
// 拒否時は429とともにウィンドウリセットまでの秒数をRetry-Afterヘッダーで返す。
func RateLimit(limiter *ratelimit.Limiter, class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if identity, ok := GetIdentity(c); ok {
			key = identity.ClientID
		}

		d := limiter.Allow(class + ":" + key)
		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  "rate_limited",
				"detail": fmt.Sprintf("リクエスト数が上限（%d件/ウィンドウ）を超えました。%d秒後に再試行してください", d.Limit, retryAfter),
			})
			return
		}

		c.Next()
	}
}
