package gateway

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/hynko431/fraud-shield/pkg/health"
)

// Outcome はリクエストの終端結果の種別。
type Outcome string

const (
	// OutcomeProxied はバックエンドへの転送が完了したことを表す（成功・失敗問わず）。
	OutcomeProxied Outcome = "proxied"
	// OutcomeUpstreamFailed はリトライを含む転送がすべて失敗したことを表す。
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	// OutcomeCircuitOpen はサーキットブレーカにより即時遮断されたことを表す。
	OutcomeCircuitOpen Outcome = "circuit_open"
	// OutcomeAuthRejected は認証で拒否されたことを表す。
	OutcomeAuthRejected Outcome = "auth_rejected"
	// OutcomeRateLimited はレート制限で拒否されたことを表す。
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeNotFound はルート不一致で拒否されたことを表す。
	OutcomeNotFound Outcome = "not_found"
	// OutcomeServed はGateway自身のエンドポイントが応答したことを表す。
	OutcomeServed Outcome = "served"
)

// AccessRecord は1リクエスト分のアクセスログレコード。
type AccessRecord struct {
	// RequestID はGatewayが採番したリクエスト識別子。
	RequestID string
	// ClientID は認証済みクライアントの識別子。未認証の場合は空。
	ClientID string
	// Method はHTTPメソッド。
	Method string
	// Path は公開パス。
	Path string
	// ServiceID は転送先サービスの識別子。転送しなかった場合は空。
	ServiceID string
	// Outcome は終端結果の種別。
	Outcome Outcome
	// Status は呼び出し元に返したHTTPステータスコード。
	Status int
	// Attempts はバックエンドへの転送試行回数。
	Attempts int
	// Latency はリクエスト受信から応答までの所要時間。
	Latency time.Duration
}

// AccessLogger はアクセスログをSQLiteへ非同期に永続化する書き込み専用オブザーバ。
// Recordは決してブロックせず、エラーも返さない。バッファが満杯の場合は
// レコードを破棄する（ログ記録の失敗がリクエスト処理に影響してはならない）。
type AccessLogger struct {
	// db はアクセスログの保存先。
	db *sql.DB
	// ch は書き込み待ちレコードのバッファ。
	ch chan AccessRecord
	// done は書き込みゴルーチンの終了通知。
	done chan struct{}
	// closeOnce はCloseの多重呼び出しを防ぐ。
	closeOnce sync.Once
}

// accessLogBufferSize は書き込み待ちバッファの容量。
const accessLogBufferSize = 256

// NewAccessLogger は新しいアクセスロガーを生成し、書き込みゴルーチンを開始する。
func NewAccessLogger(db *sql.DB) *AccessLogger {
	l := &AccessLogger{
		db:   db,
		ch:   make(chan AccessRecord, accessLogBufferSize),
		done: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Record はアクセスログレコードを書き込みキューに積む。
// バッファが満杯の場合はレコードを破棄してすぐに戻る。
func (l *AccessLogger) Record(rec AccessRecord) {
	select {
	case l.ch <- rec:
	default:
		// リクエスト処理をブロックするくらいならログを落とす
	}
}

// Close は書き込みキューを閉じ、残りのレコードの書き込み完了を待つ。
func (l *AccessLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
}

// writeLoop はキューからレコードを取り出してSQLiteへ書き込む。
// 書き込み失敗はログに出力して握りつぶす。
func (l *AccessLogger) writeLoop() {
	defer close(l.done)
	for rec := range l.ch {
		_, err := l.db.Exec(
			`INSERT INTO access_logs (request_id, client_id, method, path, service_id, outcome, status, attempts, latency_us)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RequestID, rec.ClientID, rec.Method, rec.Path, rec.ServiceID,
			string(rec.Outcome), rec.Status, rec.Attempts, rec.Latency.Microseconds(),
		)
		if err != nil {
			log.Printf("[AccessLog] アクセスログの書き込みに失敗: %v", err)
		}
	}
}

// CircuitEventRecorder はサーキットブレーカの状態遷移をSQLiteへ非同期に記録する。
// ブレーカの遷移フックから呼ばれるため、決してブロックしない。
type CircuitEventRecorder struct {
	// db は遷移履歴の保存先。
	db *sql.DB
	// ch は書き込み待ち遷移イベントのバッファ。
	ch chan health.Transition
	// done は書き込みゴルーチンの終了通知。
	done chan struct{}
	// closeOnce はCloseの多重呼び出しを防ぐ。
	closeOnce sync.Once
}

// NewCircuitEventRecorder は新しい遷移レコーダを生成し、書き込みゴルーチンを開始する。
func NewCircuitEventRecorder(db *sql.DB) *CircuitEventRecorder {
	r := &CircuitEventRecorder{
		db:   db,
		ch:   make(chan health.Transition, 64),
		done: make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Record は遷移イベントを書き込みキューに積み、ログにも出力する。
func (r *CircuitEventRecorder) Record(tr health.Transition) {
	log.Printf("[HealthMonitor] サービス %s のブレーカが %s から %s へ遷移（連続失敗: %d）",
		tr.ServiceID, tr.From, tr.To, tr.Failures)
	select {
	case r.ch <- tr:
	default:
	}
}

// Close は書き込みキューを閉じ、残りのイベントの書き込み完了を待つ。
func (r *CircuitEventRecorder) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}

// writeLoop はキューから遷移イベントを取り出してSQLiteへ書き込む。
func (r *CircuitEventRecorder) writeLoop() {
	defer close(r.done)
	for tr := range r.ch {
		_, err := r.db.Exec(
			`INSERT INTO circuit_events (service_id, from_state, to_state, failures, occurred_at)
			 VALUES (?, ?, ?, ?, ?)`,
			tr.ServiceID, string(tr.From), string(tr.To), tr.Failures, tr.At.UTC(),
		)
		if err != nil {
			log.Printf("[HealthMonitor] 遷移履歴の書き込みに失敗: %v", err)
		}
	}
}
