// Package health はバックエンドサービスの死活判定を提供する。
//
// サービスごとのサーキットブレーカ（Breaker）と、各サービスのヘルス
// チェックエンドポイントを定期的に呼び出すバックグラウンドプローバ
// （Prober）で構成される。プローブ結果と転送リクエストの成否は同一の
// 状態機械に供給されるため、トラフィックがない状態でもサービスの劣化を
// 検知できる。
package health
