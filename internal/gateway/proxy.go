package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hynko431/fraud-shield/pkg/httpclient"
	"github.com/hynko431/fraud-shield/pkg/middleware"
)

// dispatchResult はDispatcherの最終結果。
// respが非nilの場合はバックエンドの応答をそのまま返し、nilの場合は
// errKindに応じたGatewayエラーを合成する。
type dispatchResult struct {
	// resp はバックエンドの応答。失敗時はnil。
	resp *httpclient.Response
	// serviceID は実際に応答したサービスの識別子。
	serviceID string
	// attempts はバックエンドへの転送試行回数の合計（フォールバック含む）。
	attempts int
	// usedFallback はフォールバック先が応答したかどうか。
	usedFallback bool
	// errKind は失敗時のエラー種別（circuit_open / upstream_unavailable /
	// bad_upstream_response）。
	errKind string
	// lastStatus は最後に観測したバックエンドのステータスコード。0は未観測。
	lastStatus int
}

// legResult は1サービスへの転送（リトライ込み）の結果。
type legResult struct {
	// resp は成功時の応答。
	resp *httpclient.Response
	// attempts は転送試行回数。
	attempts int
	// errKind は失敗時のエラー種別。
	errKind string
	// lastStatus は最後に観測したステータスコード。
	lastStatus int
}

// handleDispatch は公開APIパスへのリクエストをルート表に従って転送するハンドラを返す。
// ルート一致 → ルートクラスのレート制限 → Dispatcher（ブレーカ確認・転送・
// リトライ・フォールバック）の順で処理する。
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, rest, ok := s.routes.Match(c.Request.Method, c.Request.URL.Path)
		if !ok {
			c.Set(ctxKeyOutcome, OutcomeNotFound)
			c.JSON(http.StatusNotFound, gin.H{
				"error":  "not_found",
				"detail": "リクエストされたエンドポイントは存在しません",
			})
			return
		}
		c.Set(ctxKeyServiceID, route.ServiceID)

		identity, _ := middleware.GetIdentity(c)
		if !s.admitRateLimit(c, route, identity.ClientID) {
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Set(ctxKeyOutcome, OutcomeServed)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "bad_request",
				"detail": "リクエストボディの読み取りに失敗しました",
			})
			return
		}

		requestID := getRequestID(c)
		header := s.buildForwardHeader(c.Request.Header, identity, requestID)
		downstreamPath := route.DownstreamPath + rest
		if q := c.Request.URL.RawQuery; q != "" {
			downstreamPath += "?" + q
		}

		result := s.dispatch(c.Request.Context(), route, c.Request.Method, downstreamPath, rest, header, body)
		c.Set(ctxKeyAttempts, result.attempts)
		if result.serviceID != "" {
			c.Set(ctxKeyServiceID, result.serviceID)
		}

		if result.resp != nil {
			c.Set(ctxKeyOutcome, OutcomeProxied)
			contentType := result.resp.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			c.Data(result.resp.StatusCode, contentType, result.resp.Body)
			return
		}

		s.respondDispatchError(c, route, result)
	}
}

// admitRateLimit はルートのレート制限クラスでリクエストを判定する。
// 拒否した場合は429を書き込んでfalseを返す。
func (s *Server) admitRateLimit(c *gin.Context, route *Route, clientID string) bool {
	d := s.limiters[route.LimitClass].Allow(route.LimitClass + ":" + clientID)
	if d.Allowed {
		return true
	}

	retryAfter := int(d.RetryAfter.Seconds())
	if d.RetryAfter > time.Duration(retryAfter)*time.Second {
		retryAfter++
	}
	c.Set(ctxKeyOutcome, OutcomeRateLimited)
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":  "rate_limited",
		"detail": fmt.Sprintf("リクエスト数が上限（%d件/ウィンドウ）を超えました。%d秒後に再試行してください", d.Limit, retryAfter),
	})
	return false
}

// buildForwardHeader は転送用ヘッダーを構築する。
// クライアントの生のAPIキーを取り除き、代わりに署名済みサービストークンと
// リクエスト識別子を添付する。
func (s *Server) buildForwardHeader(inbound http.Header, identity middleware.Identity, requestID string) http.Header {
	header := inbound.Clone()
	header.Del("X-API-Key")
	header.Del("Authorization")

	token, err := middleware.GenerateServiceToken(s.cfg.TokenSecret, identity.ClientID, identity.Scopes, requestID)
	if err == nil {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("X-Request-ID", requestID)
	return header
}

// dispatch はプライマリサービスへの転送を行い、失敗時にフォールバック先が
// あれば代替転送を試みる。
func (s *Server) dispatch(ctx context.Context, route *Route, method, downstreamPath, rest string, header http.Header, body []byte) dispatchResult {
	retrySafe := route.RetrySafe(method)

	primary := s.forwardLeg(ctx, route.ServiceID, method, downstreamPath, header, body, retrySafe)
	if primary.resp != nil {
		return dispatchResult{
			resp:      primary.resp,
			serviceID: route.ServiceID,
			attempts:  primary.attempts,
		}
	}

	if route.Fallback == nil {
		return dispatchResult{
			serviceID:  route.ServiceID,
			attempts:   primary.attempts,
			errKind:    primary.errKind,
			lastStatus: primary.lastStatus,
		}
	}

	fallbackPath := route.Fallback.Path + rest
	fallback := s.forwardLeg(ctx, route.Fallback.ServiceID, method, fallbackPath, header, body, retrySafe)
	if fallback.resp != nil {
		annotateFallbackResponse(fallback.resp, route.Fallback.ServiceID)
		return dispatchResult{
			resp:         fallback.resp,
			serviceID:    route.Fallback.ServiceID,
			attempts:     primary.attempts + fallback.attempts,
			usedFallback: true,
		}
	}

	return dispatchResult{
		serviceID:  route.ServiceID,
		attempts:   primary.attempts + fallback.attempts,
		errKind:    fallback.errKind,
		lastStatus: fallback.lastStatus,
	}
}

// forwardLeg は1サービスへの転送をリトライ込みで実行する。
// 毎試行の前にブレーカの状態を確認するため、リトライ中にブレーカがOPENに
// なった場合はネットワーク呼び出しなしで打ち切られる。
func (s *Server) forwardLeg(ctx context.Context, serviceID, method, path string, header http.Header, body []byte, retrySafe bool) legResult {
	maxAttempts := 1
	if retrySafe {
		maxAttempts = 1 + s.cfg.Retry.MaxRetries
	}

	breaker, ok := s.registry.Get(serviceID)
	if !ok {
		// ルート表の起動時検証により到達しないはずの分岐
		return legResult{errKind: "upstream_unavailable"}
	}

	var (
		attempts   int
		lastStatus int
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff(attempt))
		}

		if !breaker.Allow() {
			if attempts == 0 {
				return legResult{errKind: "circuit_open"}
			}
			// リトライ中にブレーカがOPENになった場合はここで打ち切る
			return legResult{attempts: attempts, errKind: "upstream_unavailable", lastStatus: lastStatus}
		}

		attempts++
		resp, err := s.clients[serviceID].Forward(ctx, method, path, header, body)
		if err != nil {
			breaker.ReportFailure()
			if errors.Is(err, httpclient.ErrMalformedResponse) {
				return legResult{attempts: attempts, errKind: "bad_upstream_response"}
			}
			if httpclient.IsTransientError(err) && attempt < maxAttempts-1 {
				continue
			}
			return legResult{attempts: attempts, errKind: "upstream_unavailable", lastStatus: lastStatus}
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			breaker.ReportFailure()
			lastStatus = resp.StatusCode
			if httpclient.IsTransientStatus(resp.StatusCode) && attempt < maxAttempts-1 {
				continue
			}
			return legResult{attempts: attempts, errKind: "upstream_unavailable", lastStatus: lastStatus}
		}

		breaker.ReportSuccess()
		return legResult{resp: resp, attempts: attempts}
	}

	return legResult{attempts: attempts, errKind: "upstream_unavailable", lastStatus: lastStatus}
}

// backoff はn回目のリトライ前に待機する時間を返す（指数バックオフ、上限付き）。
func (s *Server) backoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.Retry.BackoffBaseMillis) * time.Millisecond
	max := time.Duration(s.cfg.Retry.BackoffCapMillis) * time.Millisecond
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// respondDispatchError は転送失敗をGateway共通のエラー形式で応答する。
func (s *Server) respondDispatchError(c *gin.Context, route *Route, result dispatchResult) {
	switch result.errKind {
	case "circuit_open":
		c.Set(ctxKeyOutcome, OutcomeCircuitOpen)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "circuit_open",
			"detail": fmt.Sprintf("サービス %s は現在遮断中です。しばらくしてから再試行してください", route.ServiceID),
		})
	case "bad_upstream_response":
		c.Set(ctxKeyOutcome, OutcomeUpstreamFailed)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "bad_upstream_response",
			"detail": fmt.Sprintf("サービス %s が不正な応答を返しました", result.serviceID),
		})
	default:
		c.Set(ctxKeyOutcome, OutcomeUpstreamFailed)
		detail := fmt.Sprintf("サービス %s への転送に失敗しました", result.serviceID)
		if result.lastStatus != 0 {
			detail = fmt.Sprintf("%s（最終ステータス: %d）", detail, result.lastStatus)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "upstream_unavailable",
			"detail": detail,
		})
	}
}

// annotateFallbackResponse はフォールバック応答のJSONボディに、代替サービスが
// 使用されたことを示すフィールドを付加する。JSONオブジェクトでないボディは
// そのまま返す。
func annotateFallbackResponse(resp *httpclient.Response, serviceID string) {
	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return
	}
	payload["service_used"] = fmt.Sprintf("%s (fallback)", serviceID)
	payload["forwarded_by"] = "api-gateway"
	annotated, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp.Body = annotated
	resp.Header.Set("Content-Type", "application/json")
}
