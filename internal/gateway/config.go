package gateway

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ClientKeyConfig は1クライアント分のAPIキー設定。
type ClientKeyConfig struct {
	// Key はクライアントが提示するAPIキー。
	Key string `yaml:"key"`
	// ClientID はクライアントの識別子。
	ClientID string `yaml:"client_id"`
	// Scopes はクライアントに付与するスコープ。
	Scopes []string `yaml:"scopes"`
}

// ServiceConfig は1バックエンドサービス分の接続設定。
type ServiceConfig struct {
	// ID はサービスの識別子。ルート定義とブレーカがこのIDで参照する。
	ID string `yaml:"id"`
	// BaseURL はサービスのベースURL。
	BaseURL string `yaml:"base_url"`
	// HealthPath はヘルスチェックエンドポイントのパス。
	HealthPath string `yaml:"health_path"`
}

// FallbackConfig はプライマリサービスが劣化している場合の代替転送先。
type FallbackConfig struct {
	// ServiceID は代替サービスの識別子。
	ServiceID string `yaml:"service_id"`
	// Path は代替サービス上のパス。
	Path string `yaml:"path"`
}

// RouteConfig は1ルート分の定義。設定順に評価され、最初に一致したものが使われる。
type RouteConfig struct {
	// Pattern は公開パスの前方一致パターン。
	Pattern string `yaml:"pattern"`
	// ServiceID は転送先サービスの識別子。
	ServiceID string `yaml:"service_id"`
	// DownstreamPath は転送先サービス上のパス。Patternが"/"で終わる場合、
	// パターン以降の残りパスがこの値に連結される。
	DownstreamPath string `yaml:"downstream_path"`
	// Methods は許可するHTTPメソッドの集合。空の場合は全メソッドを許可する。
	Methods []string `yaml:"methods"`
	// Idempotent は再送安全なルートかどうか。GET以外でリトライを許可する
	// 場合に明示する（例: 副作用のないスコアリングPOST）。
	Idempotent bool `yaml:"idempotent"`
	// LimitClass はレート制限のクラス（"default"または"strict"）。
	// 空の場合は"default"。
	LimitClass string `yaml:"limit_class"`
	// Fallback はプライマリ劣化時の代替転送先。nil可。
	Fallback *FallbackConfig `yaml:"fallback"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	// Limit はデフォルトクラスのウィンドウあたり最大リクエスト数。
	Limit int `yaml:"limit"`
	// WindowSeconds はデフォルトクラスのウィンドウ秒数。
	WindowSeconds int `yaml:"window_seconds"`
	// StrictLimit は厳格クラス（データベース系ルート）の最大リクエスト数。
	StrictLimit int `yaml:"strict_limit"`
	// StrictWindowSeconds は厳格クラスのウィンドウ秒数。
	StrictWindowSeconds int `yaml:"strict_window_seconds"`
}

// BreakerConfig はサーキットブレーカとヘルスプローブの設定。
type BreakerConfig struct {
	// FailureThreshold はOPENへ遷移する連続失敗回数。
	FailureThreshold int `yaml:"failure_threshold"`
	// CooldownSeconds はOPENからHALF_OPENへの移行を許可するまでの秒数。
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// ProbeIntervalSeconds はヘルスプローブの周期秒数。
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
	// ProbeTimeoutSeconds は1回のプローブのタイムアウト秒数。
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// RetryConfig は転送リトライの設定。
type RetryConfig struct {
	// MaxRetries は一時的失敗に対する最大リトライ回数。
	MaxRetries int `yaml:"max_retries"`
	// BackoffBaseMillis は指数バックオフの基準ミリ秒。
	BackoffBaseMillis int `yaml:"backoff_base_millis"`
	// BackoffCapMillis はバックオフの上限ミリ秒。
	BackoffCapMillis int `yaml:"backoff_cap_millis"`
}

// Config はGateway全体の設定。
type Config struct {
	// Port はGatewayのリッスンポート。
	Port string `yaml:"port"`
	// DBPath はGateway自身の状態（アクセスログ等）を保存するSQLiteのDSN。
	DBPath string `yaml:"db_path"`
	// CORSOrigins はCORSで許可するオリジンの一覧。
	CORSOrigins []string `yaml:"cors_origins"`
	// TokenSecret はバックエンドへ転送するサービストークンの署名鍵。
	TokenSecret string `yaml:"token_secret"`
	// Clients はAPIキーとクライアント識別情報の対応表。
	Clients []ClientKeyConfig `yaml:"clients"`
	// Services はバックエンドサービスの一覧。
	Services []ServiceConfig `yaml:"services"`
	// Routes は公開パスから転送先への対応表。定義順に評価される。
	Routes []RouteConfig `yaml:"routes"`
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Breaker はサーキットブレーカとプローブの設定。
	Breaker BreakerConfig `yaml:"breaker"`
	// Retry は転送リトライの設定。
	Retry RetryConfig `yaml:"retry"`
	// RequestTimeoutSeconds は1回の転送のタイムアウト秒数。
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// DefaultConfig は本番デプロイ構成（5つのバックエンドサービスと開発用キー）を
// 反映したデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Port:        "8000",
		DBPath:      "/data/gateway.db?_journal_mode=WAL&_busy_timeout=5000",
		CORSOrigins: []string{"http://localhost:3000"},
		TokenSecret: "dev-secret-key",
		Clients: []ClientKeyConfig{
			{Key: "fs_frontend_key_123", ClientID: "frontend", Scopes: []string{"frontend"}},
			{Key: "fs_admin_key_456", ClientID: "admin", Scopes: []string{"admin"}},
			{Key: "fs_test_key_789", ClientID: "test", Scopes: []string{"test"}},
		},
		Services: []ServiceConfig{
			{ID: "model", BaseURL: "http://localhost:8001", HealthPath: "/health"},
			{ID: "ingest", BaseURL: "http://localhost:9001", HealthPath: "/health"},
			{ID: "analytics", BaseURL: "http://localhost:8002", HealthPath: "/health"},
			{ID: "database", BaseURL: "http://localhost:8003", HealthPath: "/health"},
			{ID: "notification", BaseURL: "http://localhost:8004", HealthPath: "/health"},
		},
		Routes: []RouteConfig{
			{
				Pattern:        "/api/v1/score",
				ServiceID:      "ingest",
				DownstreamPath: "/score",
				Methods:        []string{"POST"},
				// スコアリングは副作用を持たないためPOSTでも再送安全
				Idempotent: true,
				Fallback:   &FallbackConfig{ServiceID: "model", Path: "/score"},
			},
			{Pattern: "/api/v1/model/", ServiceID: "model", DownstreamPath: "/"},
			{Pattern: "/api/v1/ingest/", ServiceID: "ingest", DownstreamPath: "/"},
			{Pattern: "/api/v1/analytics/", ServiceID: "analytics", DownstreamPath: "/"},
			{Pattern: "/api/v1/database/", ServiceID: "database", DownstreamPath: "/", LimitClass: "strict"},
			{Pattern: "/api/v1/notifications/", ServiceID: "notification", DownstreamPath: "/"},
		},
		RateLimit: RateLimitConfig{
			Limit:               100,
			WindowSeconds:       60,
			StrictLimit:         10,
			StrictWindowSeconds: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold:     3,
			CooldownSeconds:      30,
			ProbeIntervalSeconds: 30,
			ProbeTimeoutSeconds:  5,
		},
		Retry: RetryConfig{
			MaxRetries:        2,
			BackoffBaseMillis: 100,
			BackoffCapMillis:  2000,
		},
		RequestTimeoutSeconds: 10,
	}
}

// Load はデフォルト設定にYAMLファイルと環境変数を重ねた設定を返す。
// 優先順位: 環境変数 > GATEWAY_CONFIGで指定したYAMLファイル > デフォルト。
func Load() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("設定ファイルのパースに失敗: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides はスカラー設定値を環境変数で上書きする。
func applyEnvOverrides(cfg *Config) {
	cfg.Port = getEnvOr("PORT", cfg.Port)
	cfg.DBPath = getEnvOr("GATEWAY_DB", cfg.DBPath)
	cfg.TokenSecret = getEnvOr("GATEWAY_TOKEN_SECRET", cfg.TokenSecret)

	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.CORSOrigins = []string{v}
	}

	// サービスURLは個別の環境変数でも上書きできる（コンテナ構成用）
	overrides := map[string]string{
		"model":        os.Getenv("MODEL_URL"),
		"ingest":       os.Getenv("INGEST_URL"),
		"analytics":    os.Getenv("ANALYTICS_URL"),
		"database":     os.Getenv("DATABASE_URL"),
		"notification": os.Getenv("NOTIFICATION_URL"),
	}
	for i := range cfg.Services {
		if url := overrides[cfg.Services[i].ID]; url != "" {
			cfg.Services[i].BaseURL = url
		}
	}

	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT")); err == nil && v > 0 {
		cfg.RateLimit.Limit = v
	}
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && v > 0 {
		cfg.RateLimit.WindowSeconds = v
	}
}

// Validate は設定の静的検証を行う。検証エラーは起動時に致命的として扱う。
func (c Config) Validate() error {
	if len(c.Clients) == 0 {
		return fmt.Errorf("クライアントキーが1件も設定されていません")
	}
	seenKeys := make(map[string]struct{}, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.Key == "" || cl.ClientID == "" {
			return fmt.Errorf("クライアント %q のキー設定が不完全です", cl.ClientID)
		}
		if _, dup := seenKeys[cl.Key]; dup {
			return fmt.Errorf("APIキーが重複しています: client=%q", cl.ClientID)
		}
		seenKeys[cl.Key] = struct{}{}
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("バックエンドサービスが1件も設定されていません")
	}
	seenServices := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.ID == "" || svc.BaseURL == "" || svc.HealthPath == "" {
			return fmt.Errorf("サービス %q の設定が不完全です", svc.ID)
		}
		if _, dup := seenServices[svc.ID]; dup {
			return fmt.Errorf("サービスIDが重複しています: %q", svc.ID)
		}
		seenServices[svc.ID] = struct{}{}
	}

	// ルートの検証（未登録サービス参照・重複プレフィックス）はRouteTableの
	// 構築時に行われる
	if _, err := NewRouteTable(c.Routes, seenServices); err != nil {
		return err
	}

	return nil
}

// ServiceByID は指定IDのサービス設定を返す。
func (c Config) ServiceByID(id string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
