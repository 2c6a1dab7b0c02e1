package gateway

import (
	"net/http"
	"testing"
)

// testServices はルート検証用の登録済みサービス集合を返す。
func testServices(ids ...string) map[string]struct{} {
	registered := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		registered[id] = struct{}{}
	}
	return registered
}

// TestNewRouteTable はルート表の構築時検証を検証する。
func TestNewRouteTable(t *testing.T) {
	t.Parallel()

	t.Run("正常なルート設定が受理されること", func(t *testing.T) {
		t.Parallel()

		table, err := NewRouteTable([]RouteConfig{
			{Pattern: "/api/v1/score", ServiceID: "ingest", DownstreamPath: "/score", Methods: []string{"POST"}},
			{Pattern: "/api/v1/model/", ServiceID: "model", DownstreamPath: "/"},
		}, testServices("model", "ingest"))
		if err != nil {
			t.Fatalf("NewRouteTable() error = %v", err)
		}
		if table == nil {
			t.Fatal("RouteTableがnil")
		}
	})

	t.Run("ルートが空の場合にエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewRouteTable(nil, testServices("model")); err == nil {
			t.Error("空のルート設定が受理された")
		}
	})

	t.Run("スラッシュで始まらないパターンが拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{Pattern: "api/v1/model/", ServiceID: "model", DownstreamPath: "/"},
		}, testServices("model"))
		if err == nil {
			t.Error("不正なパターンが受理された")
		}
	})

	t.Run("未登録サービスへの参照が拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{Pattern: "/api/v1/model/", ServiceID: "unknown", DownstreamPath: "/"},
		}, testServices("model"))
		if err == nil {
			t.Error("未登録サービスへの参照が受理された")
		}
	})

	t.Run("未登録サービスへのフォールバック参照が拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{
				Pattern: "/api/v1/score", ServiceID: "ingest", DownstreamPath: "/score",
				Fallback: &FallbackConfig{ServiceID: "unknown", Path: "/score"},
			},
		}, testServices("ingest"))
		if err == nil {
			t.Error("未登録サービスへのフォールバック参照が受理された")
		}
	})

	t.Run("不正なレート制限クラスが拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{Pattern: "/api/v1/model/", ServiceID: "model", DownstreamPath: "/", LimitClass: "lenient"},
		}, testServices("model"))
		if err == nil {
			t.Error("不正なレート制限クラスが受理された")
		}
	})

	t.Run("メソッド集合が交差する同一パターンが拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{Pattern: "/api/v1/score", ServiceID: "ingest", DownstreamPath: "/score", Methods: []string{"POST"}},
			{Pattern: "/api/v1/score", ServiceID: "model", DownstreamPath: "/score"},
		}, testServices("model", "ingest"))
		if err == nil {
			t.Error("曖昧な重複ルートが受理された")
		}
	})

	t.Run("メソッド集合が交差しない同一パターンが受理されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRouteTable([]RouteConfig{
			{Pattern: "/api/v1/score", ServiceID: "ingest", DownstreamPath: "/score", Methods: []string{"POST"}},
			{Pattern: "/api/v1/score", ServiceID: "model", DownstreamPath: "/score", Methods: []string{"GET"}},
		}, testServices("model", "ingest"))
		if err != nil {
			t.Errorf("メソッドが分離された同一パターンが拒否された: %v", err)
		}
	})
}

// TestRouteTableMatch はルート一致の評価順と残りパスの切り出しを検証する。
func TestRouteTableMatch(t *testing.T) {
	t.Parallel()

	table, err := NewRouteTable([]RouteConfig{
		{Pattern: "/api/v1/score", ServiceID: "ingest", DownstreamPath: "/score", Methods: []string{"POST"}, Idempotent: true},
		{Pattern: "/api/v1/model/", ServiceID: "model", DownstreamPath: "/"},
		{Pattern: "/api/v1/database/", ServiceID: "database", DownstreamPath: "/", LimitClass: "strict"},
	}, testServices("model", "ingest", "database"))
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	t.Run("完全一致パターンの残りパスが空になること", func(t *testing.T) {
		t.Parallel()

		route, rest, ok := table.Match(http.MethodPost, "/api/v1/score")
		if !ok {
			t.Fatal("一致するルートが見つからない")
		}
		if route.ServiceID != "ingest" {
			t.Errorf("ServiceID = %q, want %q", route.ServiceID, "ingest")
		}
		if rest != "" {
			t.Errorf("rest = %q, want 空文字", rest)
		}
	})

	t.Run("前方一致パターンで残りパスが切り出されること", func(t *testing.T) {
		t.Parallel()

		route, rest, ok := table.Match(http.MethodGet, "/api/v1/model/info")
		if !ok {
			t.Fatal("一致するルートが見つからない")
		}
		if route.ServiceID != "model" {
			t.Errorf("ServiceID = %q, want %q", route.ServiceID, "model")
		}
		if rest != "info" {
			t.Errorf("rest = %q, want %q", rest, "info")
		}
	})

	t.Run("許可されていないメソッドは一致しないこと", func(t *testing.T) {
		t.Parallel()

		if _, _, ok := table.Match(http.MethodGet, "/api/v1/score"); ok {
			t.Error("GETがPOST専用ルートに一致した")
		}
	})

	t.Run("どのルートにも一致しないパスでfalseが返ること", func(t *testing.T) {
		t.Parallel()

		if _, _, ok := table.Match(http.MethodGet, "/api/v1/unknown/"); ok {
			t.Error("未定義パスがルートに一致した")
		}
	})

	t.Run("データベースルートが厳格クラスであること", func(t *testing.T) {
		t.Parallel()

		route, _, ok := table.Match(http.MethodGet, "/api/v1/database/transactions")
		if !ok {
			t.Fatal("一致するルートが見つからない")
		}
		if route.LimitClass != "strict" {
			t.Errorf("LimitClass = %q, want %q", route.LimitClass, "strict")
		}
	})
}

// TestRouteRetrySafe はリトライ安全性の判定を検証する。
func TestRouteRetrySafe(t *testing.T) {
	t.Parallel()

	t.Run("GETは常に再送安全であること", func(t *testing.T) {
		t.Parallel()

		r := &Route{}
		if !r.RetrySafe(http.MethodGet) {
			t.Error("RetrySafe(GET) = false, want true")
		}
	})

	t.Run("宣言のないPOSTは再送安全でないこと", func(t *testing.T) {
		t.Parallel()

		r := &Route{}
		if r.RetrySafe(http.MethodPost) {
			t.Error("RetrySafe(POST) = true, want false")
		}
	})

	t.Run("再送安全と宣言されたPOSTはリトライ可能であること", func(t *testing.T) {
		t.Parallel()

		r := &Route{Idempotent: true}
		if !r.RetrySafe(http.MethodPost) {
			t.Error("Idempotentルートで RetrySafe(POST) = false, want true")
		}
	})
}
