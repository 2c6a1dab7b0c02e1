package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// doCORSRequest は指定オリジンからのリクエストをCORS付きルーターに送信する。
// handlerCalledにはハンドラー本体が実行されたかどうかが書き込まれる。
func doCORSRequest(allowed []string, method, origin string, handlerCalled *bool) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(CORS(allowed))
	router.Handle(method, "/dashboard", func(c *gin.Context) {
		if handlerCalled != nil {
			*handlerCalled = true
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	req := httptest.NewRequest(method, "/dashboard", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	dashboardOrigin := "http://localhost:3000"

	t.Run("許可されたオリジンにCORSヘッダー一式が設定されること", func(t *testing.T) {
		t.Parallel()

		w := doCORSRequest([]string{dashboardOrigin}, http.MethodGet, dashboardOrigin, nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		wantHeaders := map[string]string{
			"Access-Control-Allow-Origin":   dashboardOrigin,
			"Access-Control-Allow-Methods":  "GET, POST, PUT, DELETE, OPTIONS",
			"Access-Control-Allow-Headers":  "Content-Type, X-API-Key",
			"Access-Control-Expose-Headers": "X-Request-ID, Retry-After",
			"Access-Control-Max-Age":        "86400",
		}
		for name, want := range wantHeaders {
			if got := w.Header().Get(name); got != want {
				t.Errorf("%s = %q, want %q", name, got, want)
			}
		}
	})

	t.Run("許可されていないオリジンにCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		w := doCORSRequest([]string{dashboardOrigin}, http.MethodGet, "https://evil.example.com", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want 空", got)
		}
	})

	t.Run("Originヘッダーが無いリクエストにCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		w := doCORSRequest([]string{dashboardOrigin}, http.MethodGet, "", nil)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want 空", got)
		}
	})

	t.Run("プリフライトのOPTIONSが204で中断されること", func(t *testing.T) {
		t.Parallel()

		handlerCalled := false
		w := doCORSRequest([]string{dashboardOrigin}, http.MethodOptions, dashboardOrigin, &handlerCalled)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if handlerCalled {
			t.Error("OPTIONSリクエストでハンドラーが呼ばれた")
		}
	})

	t.Run("許可されていないオリジンのOPTIONSもヘッダーなしの204で中断されること", func(t *testing.T) {
		t.Parallel()

		w := doCORSRequest([]string{dashboardOrigin}, http.MethodOptions, "https://evil.example.com", nil)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want 空", got)
		}
	})

	t.Run("通常のGETではハンドラーが実行されること", func(t *testing.T) {
		t.Parallel()

		handlerCalled := false
		doCORSRequest([]string{dashboardOrigin}, http.MethodGet, dashboardOrigin, &handlerCalled)

		if !handlerCalled {
			t.Error("GETリクエストでハンドラーが呼ばれていない")
		}
	})
}
