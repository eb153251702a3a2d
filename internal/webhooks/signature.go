package webhooks

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// SignPayload computes the HMAC hex digest of body with secret using the
// configured algorithm. The returned header value is "<algo>=<hexdigest>"
// so receivers can verify against the raw request body.
func SignPayload(body []byte, secret, algorithm string) (string, error) {
	var newHash func() hash.Hash
	switch algorithm {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	case "md5":
		newHash = md5.New
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}
