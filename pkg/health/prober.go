package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hynko431/fraud-shield/pkg/httpclient"
)

// Target はプローブ対象のバックエンドサービス。
type Target struct {
	// ServiceID はサービス識別子。Registryのブレーカと対応する。
	ServiceID string
	// BaseURL はサービスのベースURL（例: "http://localhost:8001"）。
	BaseURL string
	// HealthPath はヘルスチェックエンドポイントのパス（例: "/health"）。
	HealthPath string
}

// ProbeResult は1サービスに対する直近のプローブ結果。
type ProbeResult struct {
	// Healthy はプローブが成功したかどうか。
	Healthy bool
	// Latency はヘルスチェック応答までの所要時間。
	Latency time.Duration
	// CheckedAt はプローブを実行した日時。
	CheckedAt time.Time
}

// Prober は各サービスのヘルスチェックエンドポイントを定期的に呼び出す
// バックグラウンドプロセス。結果は転送リクエストの成否と同じブレーカに
// 供給されるため、トラフィックがなくてもサービスの劣化を検知できる。
type Prober struct {
	// registry はプローブ結果の供給先ブレーカレジストリ。
	registry *Registry
	// targets はプローブ対象のサービス一覧。
	targets []Target
	// clients はサービス識別子ごとのHTTPクライアント。
	clients map[string]*httpclient.Client
	// interval はプローブ周期。
	interval time.Duration
	// mu はresultsへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// results はサービス識別子ごとの直近プローブ結果。
	results map[string]ProbeResult
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
}

// NewProber は新しいプローバを生成する。
// intervalが0以下の場合は30秒、probeTimeoutが0以下の場合は5秒として扱う。
func NewProber(registry *Registry, targets []Target, interval, probeTimeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	clients := make(map[string]*httpclient.Client, len(targets))
	for _, tg := range targets {
		clients[tg.ServiceID] = httpclient.New(tg.BaseURL, probeTimeout)
	}

	return &Prober{
		registry: registry,
		targets:  targets,
		clients:  clients,
		interval: interval,
		results:  make(map[string]ProbeResult, len(targets)),
	}
}

// Start はバックグラウンドでプローブ周期を開始する。
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		log.Printf("[HealthMonitor] プローブを開始します。対象: %d件, 周期: %v", len(p.targets), p.interval)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Println("[HealthMonitor] プローブを停止しました")
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// Stop はバックグラウンドのプローブを停止する。
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Results は全サービスの直近プローブ結果のコピーを返す。
func (p *Prober) Results() map[string]ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ProbeResult, len(p.results))
	for id, r := range p.results {
		out[id] = r
	}
	return out
}

// probeAll は全対象サービスを1巡プローブする。
func (p *Prober) probeAll(ctx context.Context) {
	for _, tg := range p.targets {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.probe(ctx, tg)
	}
}

// probe は1サービスのヘルスチェックを実行し、結果をブレーカに報告する。
// ブレーカがOPEN中（冷却時間内）の場合はネットワーク呼び出しを行わない。
func (p *Prober) probe(ctx context.Context, tg Target) {
	breaker, ok := p.registry.Get(tg.ServiceID)
	if !ok {
		return
	}
	if !breaker.Allow() {
		return
	}

	start := time.Now()
	err := p.clients[tg.ServiceID].GetJSON(ctx, tg.HealthPath, nil)
	latency := time.Since(start)

	if err != nil {
		breaker.ReportFailure()
		log.Printf("[HealthMonitor] %s のヘルスチェックに失敗: %v", tg.ServiceID, err)
	} else {
		breaker.ReportSuccess()
	}

	p.mu.Lock()
	p.results[tg.ServiceID] = ProbeResult{
		Healthy:   err == nil,
		Latency:   latency,
		CheckedAt: start,
	}
	p.mu.Unlock()
}
