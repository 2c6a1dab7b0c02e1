// Package gateway は不正検知プラットフォームのAPI Gatewayの内部実装を提供する。
//
// APIキー認証、クライアント別レート制限、サーキットブレーカによる遮断、
// リトライとフォールバック付きの転送を担当する。外部からアクセス可能な
// 唯一のサービスであり、セキュリティの境界線として機能する。転送時は
// 生のAPIキーを取り除き、署名済みサービストークンを付与する。
package gateway
