package ratelimit

import (
	"sync"
	"time"
)

// Decision はレート制限の判定結果を表す。
// 呼び出し元はAllowedに加えて、429レスポンスのRetry-Afterヘッダー等に
// 使用するための残り情報を参照できる。
type Decision struct {
	// Allowed はリクエストが許可されたかどうか。
	Allowed bool
	// Limit はウィンドウあたりの最大リクエスト数。
	Limit int
	// Remaining は現在のウィンドウ内で許可される残りリクエスト数。
	Remaining int
	// ResetAt は現在のウィンドウがリセットされる日時。
	ResetAt time.Time
	// RetryAfter はウィンドウリセットまでの残り時間。
	// 拒否された場合にRetry-Afterヘッダーとして返す。
	RetryAfter time.Duration
}

// Limiter はクライアントごとの固定ウィンドウ方式レートリミッタ。
// ウィンドウカウンタはキー単位で管理され、同一キーへの更新は
// ミューテックスにより直列化される（read-modify-writeが原子的）。
type Limiter struct {
	// mu はwindowsへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// limit はウィンドウあたりの最大リクエスト数。
	limit int
	// window はウィンドウの長さ。
	window time.Duration
	// windows はキーごとのウィンドウカウンタ。初回リクエスト時に遅延生成される。
	windows map[string]entry
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// entry は1つのキーに対するウィンドウカウンタ。
type entry struct {
	// count はウィンドウ内で観測したリクエスト数。
	count int
	// resetAt はウィンドウの終了日時。
	resetAt time.Time
}

// New は新しい固定ウィンドウレートリミッタを生成する。
// limitが0以下の場合は1、windowが0以下の場合は1分として扱う。
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]entry),
		now:     time.Now,
	}
}

// Allow はキーに対するリクエストを判定する。
// ウィンドウが存在しない、または期限切れの場合は新しいウィンドウを
// count=1で開始して許可する。ウィンドウ内の場合はカウントを増分し、
// limit以下であれば許可する。拒否後はカウントをそれ以上増やさない。
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	l.evict(now)

	curr, ok := l.windows[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(l.window)}
	}

	if curr.count < l.limit {
		curr.count++
		l.windows[key] = curr
		return l.decision(true, curr, now)
	}

	// 上限到達後はカウンタを据え置いたまま拒否する
	l.windows[key] = curr
	return l.decision(false, curr, now)
}

// decision は現在のウィンドウ状態からDecisionを組み立てる。
func (l *Limiter) decision(allowed bool, curr entry, now time.Time) Decision {
	remaining := l.limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := curr.resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAt:    curr.resetAt,
		RetryAfter: retryAfter,
	}
}

// evict は期限切れのウィンドウを削除し、マップの無限成長を防ぐ。
func (l *Limiter) evict(now time.Time) {
	for k, v := range l.windows {
		if !now.Before(v.resetAt) {
			delete(l.windows, k)
		}
	}
}
