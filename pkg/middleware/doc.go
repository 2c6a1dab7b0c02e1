// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// APIキー認証、クライアント単位のレート制限、サービストークンの発行・検証、
// パニックリカバリ、CORS設定など、Gatewayとバックエンドサービスで共通して
// 使用するミドルウェアを含む。
package middleware
