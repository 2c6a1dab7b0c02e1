// Package ratelimit はクライアント単位の固定ウィンドウ方式レートリミッタを提供する。
//
// API Gatewayがクライアントキーごとのリクエスト流量を制御するために使用する。
// カウンタはインメモリのキー別マップとして保持され、同一キーへの更新は
// 直列化される。異なるキー間に順序保証はない。
package ratelimit
