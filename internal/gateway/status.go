package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// serviceStatus は1サービス分の稼働状況。ブレーカのスナップショットと
// 直近のヘルスプローブ結果を統合したもの。
type serviceStatus struct {
	// URL はサービスのベースURL。
	URL string `json:"url"`
	// State はブレーカの現在状態。
	State string `json:"state"`
	// ConsecutiveFailures はブレーカが観測した連続失敗回数。
	ConsecutiveFailures int `json:"consecutive_failures"`
	// Healthy は直近のプローブが成功したかどうか。
	Healthy bool `json:"healthy"`
	// LatencyMillis は直近のプローブの所要ミリ秒。
	LatencyMillis int64 `json:"latency_ms"`
	// CheckedAt は直近のプローブ実施日時（RFC 3339）。未実施の場合は空。
	CheckedAt string `json:"checked_at,omitempty"`
}

// handleServicesStatus は全バックエンドの稼働状況を返すハンドラを返す。
func (s *Server) handleServicesStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyOutcome, OutcomeServed)

		snapshots := s.registry.Snapshots()
		results := s.prober.Results()

		services := make(map[string]serviceStatus, len(s.cfg.Services))
		for _, svc := range s.cfg.Services {
			st := serviceStatus{URL: svc.BaseURL}
			if snap, ok := snapshots[svc.ID]; ok {
				st.State = string(snap.State)
				st.ConsecutiveFailures = snap.ConsecutiveFailures
			}
			if res, ok := results[svc.ID]; ok {
				st.Healthy = res.Healthy
				st.LatencyMillis = res.Latency.Milliseconds()
				st.CheckedAt = res.CheckedAt.Format(time.RFC3339)
			}
			services[svc.ID] = st
		}

		c.JSON(http.StatusOK, gin.H{
			"services":   services,
			"checked_at": time.Now().Format(time.RFC3339),
		})
	}
}
