package health

import "time"

// Registry はサービス識別子ごとのサーキットブレーカの集合。
// 起動時に設定済みサービスの分だけ生成され、以降の追加・削除は行わない。
// マップ自体は構築後に変更されないため、参照にロックは不要。
type Registry struct {
	// breakers はサービス識別子ごとのブレーカ。
	breakers map[string]*Breaker
}

// NewRegistry は設定されたサービス識別子ごとにブレーカを持つレジストリを生成する。
// onTransitionは全ブレーカで共有される遷移フック。nil可。
func NewRegistry(serviceIDs []string, threshold int, cooldown time.Duration, onTransition func(Transition)) *Registry {
	breakers := make(map[string]*Breaker, len(serviceIDs))
	for _, id := range serviceIDs {
		b := NewBreaker(id, threshold, cooldown)
		b.onTransition = onTransition
		breakers[id] = b
	}
	return &Registry{breakers: breakers}
}

// Get はサービス識別子に対応するブレーカを返す。
// 未登録のサービス識別子は起動時検証で排除されている前提。
func (r *Registry) Get(serviceID string) (*Breaker, bool) {
	b, ok := r.breakers[serviceID]
	return b, ok
}

// Snapshots は全ブレーカの現在状態を返す。
func (r *Registry) Snapshots() map[string]Snapshot {
	snaps := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		snaps[id] = b.Snapshot()
	}
	return snaps
}
