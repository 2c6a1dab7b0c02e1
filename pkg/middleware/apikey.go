package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Identity は認証済みクライアントの識別情報。
// 起動時に設定から読み込まれ、以降変更されない。
type Identity struct {
	// ClientID はクライアントの識別子（frontend, admin, test等）。
	ClientID string
	// Scopes はクライアントに付与されたスコープの集合。
	Scopes []string
}

// KeyStore はAPIキーからクライアント識別情報への読み取り専用の対応表。
// プロセス起動時に一度だけ構築され、以降は参照のみのためロック不要。
type KeyStore struct {
	// keys は提示キーから識別情報への対応表。
	keys map[string]Identity
}

// NewKeyStore は設定済みキー一覧からKeyStoreを生成する。
func NewKeyStore(keys map[string]Identity) *KeyStore {
	copied := make(map[string]Identity, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &KeyStore{keys: copied}
}

// Lookup は提示されたキーに対応する識別情報を返す。
// 空文字キーは常に不一致として扱う。
func (s *KeyStore) Lookup(presented string) (Identity, bool) {
	if presented == "" {
		return Identity{}, false
	}
	id, ok := s.keys[presented]
	return id, ok
}

// contextKeyIdentity はGinコンテキストに識別情報を格納するキー。
const contextKeyIdentity = "client_identity"

// headerKeyAPIKey はクライアントがAPIキーを提示するHTTPヘッダー。
const headerKeyAPIKey = "X-API-Key"

// APIKeyAuth はAPIキーを検証するGinミドルウェアを返す。
// キーはX-API-Keyヘッダーまたはapi_keyクエリパラメータで提示する。
// キーの未提示と不一致は区別できない同一の401レスポンスを返す
// （キー列挙攻撃への対策）。
func APIKeyAuth(store *KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(headerKeyAPIKey)
		if presented == "" {
			presented = c.Query("api_key")
		}

		identity, ok := store.Lookup(presented)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "auth_required",
				"detail": "有効なAPIキーが必要です",
			})
			return
		}

		c.Set(contextKeyIdentity, identity)
		c.Next()
	}
}

// GetIdentity はGinコンテキストから認証済みクライアントの識別情報を取得する。
// APIKeyAuthミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
