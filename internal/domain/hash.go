package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// BlobSHA returns the git blob SHA of content, the identity GitHub reports
// for a file version.
func BlobSHA(content string) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
