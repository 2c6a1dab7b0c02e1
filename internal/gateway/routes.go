package gateway

import (
	"fmt"
	"strings"
)

// Route は検証済みの1ルート定義。起動時に構築され、以降変更されない。
type Route struct {
	// Pattern は公開パスの前方一致パターン。
	Pattern string
	// ServiceID は転送先サービスの識別子。
	ServiceID string
	// DownstreamPath は転送先サービス上のパス。
	DownstreamPath string
	// Methods は許可するHTTPメソッドの集合。空の場合は全メソッドを許可する。
	Methods map[string]struct{}
	// Idempotent は再送安全なルートかどうか。
	Idempotent bool
	// LimitClass はレート制限のクラス。
	LimitClass string
	// Fallback はプライマリ劣化時の代替転送先。nil可。
	Fallback *FallbackConfig
}

// AllowsMethod はルートが指定メソッドを許可するかどうかを返す。
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	_, ok := r.Methods[method]
	return ok
}

// RetrySafe は指定メソッドでのリトライが安全かどうかを返す。
// GETは常に安全、それ以外はルートが明示的に再送安全と宣言した場合のみ。
func (r *Route) RetrySafe(method string) bool {
	return method == "GET" || r.Idempotent
}

// RouteTable は設定順の検証済みルート一覧。最初に一致したルートが使われる。
type RouteTable struct {
	// routes は評価順のルート一覧。
	routes []Route
}

// NewRouteTable はルート設定を検証してRouteTableを構築する。
// 未登録サービスへの参照と、メソッド集合が交差する重複パターンは
// 設定エラーとして起動時に拒否される。
func NewRouteTable(cfgs []RouteConfig, registeredServices map[string]struct{}) (*RouteTable, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("ルートが1件も設定されていません")
	}

	routes := make([]Route, 0, len(cfgs))
	for i, rc := range cfgs {
		if rc.Pattern == "" || !strings.HasPrefix(rc.Pattern, "/") {
			return nil, fmt.Errorf("ルート%dのパターン %q が不正です（\"/\"で始まる必要があります）", i, rc.Pattern)
		}
		if _, ok := registeredServices[rc.ServiceID]; !ok {
			return nil, fmt.Errorf("ルート %q が未登録のサービス %q を参照しています", rc.Pattern, rc.ServiceID)
		}
		if rc.Fallback != nil {
			if _, ok := registeredServices[rc.Fallback.ServiceID]; !ok {
				return nil, fmt.Errorf("ルート %q のフォールバックが未登録のサービス %q を参照しています", rc.Pattern, rc.Fallback.ServiceID)
			}
		}

		limitClass := rc.LimitClass
		if limitClass == "" {
			limitClass = "default"
		}
		if limitClass != "default" && limitClass != "strict" {
			return nil, fmt.Errorf("ルート %q のレート制限クラス %q が不正です", rc.Pattern, limitClass)
		}

		methods := make(map[string]struct{}, len(rc.Methods))
		for _, m := range rc.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}

		routes = append(routes, Route{
			Pattern:        rc.Pattern,
			ServiceID:      rc.ServiceID,
			DownstreamPath: rc.DownstreamPath,
			Methods:        methods,
			Idempotent:     rc.Idempotent,
			LimitClass:     limitClass,
			Fallback:       rc.Fallback,
		})
	}

	if err := checkAmbiguousRoutes(routes); err != nil {
		return nil, err
	}

	return &RouteTable{routes: routes}, nil
}

// checkAmbiguousRoutes はメソッド集合が交差する同一パターンのルートを検出する。
// 曖昧な重複はリクエスト時ではなく起動時に設定エラーとして排除する。
func checkAmbiguousRoutes(routes []Route) error {
	for i := 0; i < len(routes); i++ {
		for j := i + 1; j < len(routes); j++ {
			if routes[i].Pattern != routes[j].Pattern {
				continue
			}
			if methodsIntersect(routes[i].Methods, routes[j].Methods) {
				return fmt.Errorf("パターン %q のルートが重複しています（メソッド集合が交差）", routes[i].Pattern)
			}
		}
	}
	return nil
}

// methodsIntersect は2つのメソッド集合が交差するかどうかを返す。
// 空集合は全メソッドを意味するため、どの集合とも交差する。
func methodsIntersect(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for m := range a {
		if _, ok := b[m]; ok {
			return true
		}
	}
	return false
}

// Match はメソッドとパスに一致する最初のルートと、パターン以降の残りパスを返す。
func (t *RouteTable) Match(method, path string) (*Route, string, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if !strings.HasPrefix(path, r.Pattern) {
			continue
		}
		if !r.AllowsMethod(method) {
			continue
		}
		return r, strings.TrimPrefix(path, r.Pattern), true
	}
	return nil, "", false
}
