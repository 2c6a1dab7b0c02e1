package health

import (
	"sync"
	"time"
)

// State はサーキットブレーカの状態を表す。
type State string

const (
	// StateClosed は通常状態。リクエストはそのまま転送される。
	StateClosed State = "closed"
	// StateOpen は遮断状態。転送は即座に失敗し、ネットワーク呼び出しは行われない。
	StateOpen State = "open"
	// StateHalfOpen は試行状態。1件だけ試行リクエストを通し、結果で開閉を決める。
	StateHalfOpen State = "half_open"
)

// Transition はブレーカの状態遷移イベントを表す。
// 遷移フックや監査ログ記録に使用する。
type Transition struct {
	// ServiceID は遷移したブレーカのサービス識別子。
	ServiceID string
	// From は遷移前の状態。
	From State
	// To は遷移後の状態。
	To State
	// Failures は遷移時点の連続失敗回数。
	Failures int
	// At は遷移が発生した日時。
	At time.Time
}

// Snapshot はブレーカ状態の読み取り専用コピー。
type Snapshot struct {
	// ServiceID はサービス識別子。
	ServiceID string
	// State は現在の状態。
	State State
	// ConsecutiveFailures は連続失敗回数。
	ConsecutiveFailures int
	// OpenedAt は最後にOPENへ遷移した日時。OPENになったことがなければゼロ値。
	OpenedAt time.Time
}

// Breaker は1つのバックエンドサービスに対するサーキットブレーカ。
// 状態遷移はサービス単位で直列化される。Dispatcherは状態を読むだけで、
// 遷移は成功・失敗の報告を通じてのみ発生する。
type Breaker struct {
	// mu は状態への並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// serviceID は対象サービスの識別子。
	serviceID string
	// threshold はOPENへ遷移する連続失敗回数の閾値。
	threshold int
	// cooldown はOPENからHALF_OPENへの移行を許可するまでの冷却時間。
	cooldown time.Duration
	// state は現在の状態。
	state State
	// failures は連続失敗回数。成功で0にリセットされる。
	failures int
	// openedAt は最後にOPENへ遷移した日時。
	openedAt time.Time
	// trialInFlight はHALF_OPEN中の試行リクエストが進行中かどうか。
	trialInFlight bool
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
	// onTransition は状態遷移時に呼ばれるフック。nil可。ブロックしてはならない。
	onTransition func(Transition)
}

// NewBreaker は新しいサーキットブレーカを生成する。初期状態はCLOSED。
// thresholdが0以下の場合は3、cooldownが0以下の場合は30秒として扱う。
func NewBreaker(serviceID string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		serviceID: serviceID,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow はリクエスト（転送またはプローブ）の実行可否を判定する。
// OPEN中は冷却時間が経過するまでfalseを返し、経過後の最初の呼び出しで
// HALF_OPENへ遷移して試行を1件だけ許可する。HALF_OPEN中に試行が進行して
// いる間、2件目以降はネットワーク呼び出しなしで拒否される。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var tr *Transition

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			tr = b.transition(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}

	b.mu.Unlock()
	b.notify(tr)
	return allowed
}

// ReportSuccess はリクエスト成功をブレーカに報告する。
// 連続失敗回数を0にリセットし、CLOSED以外の状態であればCLOSEDへ遷移する。
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	var tr *Transition

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		tr = b.transition(StateClosed)
	}

	b.mu.Unlock()
	b.notify(tr)
}

// ReportFailure はリクエスト失敗をブレーカに報告する。
// CLOSED中は連続失敗回数を増分し、閾値到達でOPENへ遷移する。
// HALF_OPEN中の試行失敗は即座にOPENへ戻し、冷却時間を再開する。
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	var tr *Transition

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			tr = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.failures++
		b.trialInFlight = false
		b.openedAt = b.now()
		tr = b.transition(StateOpen)
	case StateOpen:
		// OPEN中の追加失敗報告は状態を変えない
		b.failures++
	}

	b.mu.Unlock()
	b.notify(tr)
}

// Snapshot は現在の状態のコピーを返す。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ServiceID:           b.serviceID,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// transition は状態を遷移させ、遷移イベントを返す。mu保持中に呼ぶこと。
func (b *Breaker) transition(to State) *Transition {
	tr := Transition{
		ServiceID: b.serviceID,
		From:      b.state,
		To:        to,
		Failures:  b.failures,
		At:        b.now(),
	}
	b.state = to
	return &tr
}

// notify は遷移フックを呼び出す。ロック解放後に呼ぶこと。
func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onTransition != nil {
		b.onTransition(*tr)
	}
}
