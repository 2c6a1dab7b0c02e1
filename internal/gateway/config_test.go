package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig はデフォルト設定の妥当性を検証する。
func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("デフォルト設定が検証に失敗: %v", err)
	}

	if got := len(cfg.Services); got != 5 {
		t.Errorf("サービス数 = %d, want 5", got)
	}
	if got := len(cfg.Clients); got != 3 {
		t.Errorf("クライアント数 = %d, want 3", got)
	}
	if cfg.RateLimit.Limit != 100 || cfg.RateLimit.WindowSeconds != 60 {
		t.Errorf("デフォルトのレート制限 = %d/%d秒, want 100/60秒",
			cfg.RateLimit.Limit, cfg.RateLimit.WindowSeconds)
	}
	if cfg.RateLimit.StrictLimit != 10 {
		t.Errorf("厳格クラスの上限 = %d, want 10", cfg.RateLimit.StrictLimit)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("ブレーカ閾値 = %d, want 3", cfg.Breaker.FailureThreshold)
	}
}

// TestConfigValidate は設定検証の拒否条件を検証する。
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("重複したAPIキーが拒否されること", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.Clients = append(cfg.Clients, ClientKeyConfig{
			Key: "fs_frontend_key_123", ClientID: "frontend2",
		})
		if err := cfg.Validate(); err == nil {
			t.Error("重複APIキーが受理された")
		}
	})

	t.Run("重複したサービスIDが拒否されること", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.Services = append(cfg.Services, ServiceConfig{
			ID: "model", BaseURL: "http://localhost:9999", HealthPath: "/health",
		})
		if err := cfg.Validate(); err == nil {
			t.Error("重複サービスIDが受理された")
		}
	})

	t.Run("クライアントが空の場合に拒否されること", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.Clients = nil
		if err := cfg.Validate(); err == nil {
			t.Error("クライアントなしの設定が受理された")
		}
	})

	t.Run("未登録サービスを参照するルートが拒否されること", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.Routes = append(cfg.Routes, RouteConfig{
			Pattern: "/api/v1/extra/", ServiceID: "missing", DownstreamPath: "/",
		})
		if err := cfg.Validate(); err == nil {
			t.Error("未登録サービスへのルートが受理された")
		}
	})
}

// TestLoad は設定の読み込みと上書きの優先順位を検証する。
// 環境変数を操作するため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("YAMLファイルでデフォルトが上書きされること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.yaml")
		yamlCfg := `
port: "9000"
rate_limit:
  limit: 5
  window_seconds: 10
  strict_limit: 2
  strict_window_seconds: 10
`
		if err := os.WriteFile(path, []byte(yamlCfg), 0o600); err != nil {
			t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
		}
		t.Setenv("GATEWAY_CONFIG", path)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Port != "9000" {
			t.Errorf("Port = %q, want %q", cfg.Port, "9000")
		}
		if cfg.RateLimit.Limit != 5 {
			t.Errorf("RateLimit.Limit = %d, want 5", cfg.RateLimit.Limit)
		}
		// YAMLで触れていない項目はデフォルトのまま
		if cfg.Breaker.FailureThreshold != 3 {
			t.Errorf("Breaker.FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
		}
	})

	t.Run("環境変数がYAMLより優先されること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.yaml")
		if err := os.WriteFile(path, []byte(`port: "9000"`), 0o600); err != nil {
			t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
		}
		t.Setenv("GATEWAY_CONFIG", path)
		t.Setenv("PORT", "9100")
		t.Setenv("MODEL_URL", "http://model.internal:8001")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Port != "9100" {
			t.Errorf("Port = %q, want %q", cfg.Port, "9100")
		}
		svc, ok := cfg.ServiceByID("model")
		if !ok {
			t.Fatal("modelサービスが見つからない")
		}
		if svc.BaseURL != "http://model.internal:8001" {
			t.Errorf("model BaseURL = %q, want %q", svc.BaseURL, "http://model.internal:8001")
		}
	})

	t.Run("存在しない設定ファイルでエラーになること", func(t *testing.T) {
		t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

		if _, err := Load(); err == nil {
			t.Error("存在しない設定ファイルが受理された")
		}
	})
}
