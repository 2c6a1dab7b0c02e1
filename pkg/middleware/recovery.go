package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にログを出力し、Gateway共通のエラー形式で500を返す。
// 呼び出し元に内部詳細やスタックトレースを漏らさない。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":  "internal_error",
					"detail": "内部サーバーエラーが発生しました",
				})
			}
		}()
		c.Next()
	}
}
