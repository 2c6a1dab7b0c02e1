package gateway

import "embed"

// migrationsFS はGateway自身のスキーマを定義するマイグレーションファイル群。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS
