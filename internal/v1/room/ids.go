package room

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// DeriveID computes the opaque room id for a piece of metadata (spec §3):
// `project:{P}` when no text id is given, `project:{P}:text:{T}` otherwise.
// When salt is non-empty the base id is HMAC-SHA256 hashed with it so the
// id cannot be enumerated by guessing project/text ids (spec §4.2's
// "secure-id helper").
func DeriveID(meta wire.RoomMetadata, salt string) wire.RoomIDType {
	base := "project:" + meta.ProjectID
	if meta.TextID != "" {
		base += ":text:" + meta.TextID
	}
	if salt == "" {
		return wire.RoomIDType(base)
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(base))
	return wire.RoomIDType(fmt.Sprintf("r:%s", hex.EncodeToString(mac.Sum(nil))))
}
