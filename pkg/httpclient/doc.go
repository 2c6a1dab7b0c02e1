// Package httpclient はバックエンドサービスへのHTTP通信を行うクライアントを提供する。
//
// GatewayのDispatcherによるリクエスト転送と、ヘルスモニタによる
// 死活プローブの両方で使用する。1回の呼び出しは必ず有界のタイムアウトを
// 持ち、リトライ判断（一時的失敗の分類を含む）は呼び出し元に委ねる。
package httpclient
