package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hynko431/fraud-shield/pkg/health"
	"github.com/hynko431/fraud-shield/pkg/httpclient"
	"github.com/hynko431/fraud-shield/pkg/middleware"
	"github.com/hynko431/fraud-shield/pkg/migration"
	"github.com/hynko431/fraud-shield/pkg/ratelimit"
)

// ハンドラ間で受け渡すコンテキストキー。
const (
	// ctxKeyRequestID はGatewayが採番したリクエスト識別子。
	ctxKeyRequestID = "gateway_request_id"
	// ctxKeyOutcome はリクエストの終端結果（Outcome型）。
	ctxKeyOutcome = "gateway_outcome"
	// ctxKeyServiceID は転送先サービスの識別子。
	ctxKeyServiceID = "gateway_service_id"
	// ctxKeyAttempts はバックエンドへの転送試行回数。
	ctxKeyAttempts = "gateway_attempts"
)

// Server はAPI GatewayのHTTPサーバー。認証・レート制限・サーキットブレーカ・
// 転送リトライ・アクセスログの各コンポーネントを束ねる。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はGateway全体の設定。
	cfg Config
	// db はアクセスログとブレーカ遷移履歴の保存先。
	db *sql.DB
	// keyStore はAPIキーとクライアント識別情報の対応表。
	keyStore *middleware.KeyStore
	// limiters はレート制限クラス名（"default"/"strict"）ごとのリミッター。
	limiters map[string]*ratelimit.Limiter
	// registry はサービスごとのサーキットブレーカ。
	registry *health.Registry
	// prober はバックエンドのヘルスチェックを周期実行するプローバ。
	prober *health.Prober
	// clients はサービスIDごとの転送用HTTPクライアント。
	clients map[string]*httpclient.Client
	// routes は公開パスから転送先への対応表。
	routes *RouteTable
	// accessLog はアクセスログの非同期ライター。
	accessLog *AccessLogger
	// circuitLog はブレーカ遷移履歴の非同期ライター。
	circuitLog *CircuitEventRecorder
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// modernc.org/sqliteは多重接続でSQLITE_BUSYになりやすいため単一接続で使う
	sqlDB.SetMaxOpenConns(1)

	if err := migration.Run(sqlDB, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("マイグレーション実行に失敗: %w", err)
	}

	keys := make(map[string]middleware.Identity, len(cfg.Clients))
	for _, c := range cfg.Clients {
		keys[c.Key] = middleware.Identity{ClientID: c.ClientID, Scopes: c.Scopes}
	}

	limiters := map[string]*ratelimit.Limiter{
		"default": ratelimit.New(cfg.RateLimit.Limit, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		"strict":  ratelimit.New(cfg.RateLimit.StrictLimit, time.Duration(cfg.RateLimit.StrictWindowSeconds)*time.Second),
	}

	circuitLog := NewCircuitEventRecorder(sqlDB)

	serviceIDs := make([]string, 0, len(cfg.Services))
	registered := make(map[string]struct{}, len(cfg.Services))
	for _, svc := range cfg.Services {
		serviceIDs = append(serviceIDs, svc.ID)
		registered[svc.ID] = struct{}{}
	}
	registry := health.NewRegistry(
		serviceIDs,
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second,
		circuitLog.Record,
	)

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	clients := make(map[string]*httpclient.Client, len(cfg.Services))
	targets := make([]health.Target, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		clients[svc.ID] = httpclient.New(svc.BaseURL, requestTimeout)
		targets = append(targets, health.Target{
			ServiceID:  svc.ID,
			BaseURL:    svc.BaseURL,
			HealthPath: svc.HealthPath,
		})
	}
	prober := health.NewProber(
		registry,
		targets,
		time.Duration(cfg.Breaker.ProbeIntervalSeconds)*time.Second,
		time.Duration(cfg.Breaker.ProbeTimeoutSeconds)*time.Second,
	)

	routes, err := NewRouteTable(cfg.Routes, registered)
	if err != nil {
		return nil, fmt.Errorf("ルート表の構築に失敗: %w", err)
	}

	s := &Server{
		router:     gin.New(),
		cfg:        cfg,
		db:         sqlDB,
		keyStore:   middleware.NewKeyStore(keys),
		limiters:   limiters,
		registry:   registry,
		prober:     prober,
		clients:    clients,
		routes:     routes,
		accessLog:  NewAccessLogger(sqlDB),
		circuitLog: circuitLog,
	}

	s.router.Use(middleware.Recovery())
	s.router.Use(gin.Logger())
	s.router.Use(middleware.CORS(cfg.CORSOrigins))
	s.router.Use(s.requestID())
	s.router.Use(s.logAccess())
	s.setupRoutes()

	return s, nil
}

// Run はヘルスプローバとHTTPサーバーを起動する。
func (s *Server) Run() error {
	s.prober.Start(context.Background())
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// Close はバックグラウンドコンポーネントを停止し、データベース接続を閉じる。
func (s *Server) Close() error {
	s.prober.Stop()
	s.accessLog.Close()
	s.circuitLog.Close()
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（認証不要）
	s.router.GET("/health", s.handleHealth())

	// 認証必須のエンドポイント
	authed := s.router.Group("")
	authed.Use(middleware.APIKeyAuth(s.keyStore))
	{
		authed.GET("/services/status",
			middleware.RateLimit(s.limiters["default"], "default"),
			s.handleServicesStatus())

		// 公開APIパスはルート表で転送先を解決する
		authed.Any("/api/v1/*path", s.handleDispatch())
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.Set(ctxKeyOutcome, OutcomeNotFound)
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "not_found",
			"detail": "リクエストされたエンドポイントは存在しません",
		})
	})
}

// requestID は全リクエストに一意な識別子を採番するミドルウェアを返す。
// 識別子は応答ヘッダーとバックエンドへの転送ヘッダーの両方に載る。
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set(ctxKeyRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// getRequestID はリクエストに採番された識別子を返す。
func getRequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// logAccess はリクエスト完了後にアクセスログを非同期記録するミドルウェアを返す。
// ハンドラが終端結果を設定しなかった場合はステータスコードから導出する。
func (s *Server) logAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		outcome := OutcomeServed
		if v, ok := c.Get(ctxKeyOutcome); ok {
			outcome = v.(Outcome)
		} else {
			switch c.Writer.Status() {
			case http.StatusUnauthorized:
				outcome = OutcomeAuthRejected
			case http.StatusTooManyRequests:
				outcome = OutcomeRateLimited
			case http.StatusNotFound:
				outcome = OutcomeNotFound
			}
		}

		identity, _ := middleware.GetIdentity(c)
		s.accessLog.Record(AccessRecord{
			RequestID: getRequestID(c),
			ClientID:  identity.ClientID,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			ServiceID: c.GetString(ctxKeyServiceID),
			Outcome:   outcome,
			Status:    c.Writer.Status(),
			Attempts:  c.GetInt(ctxKeyAttempts),
			Latency:   time.Since(start),
		})
	}
}

// handleHealth はGateway自身の死活確認に応答するハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyOutcome, OutcomeServed)
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "api-gateway",
		})
	}
}
