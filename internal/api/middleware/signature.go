package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Callback authentication headers.
const (
	HeaderCallbackTimestamp = "X-Callback-Timestamp"
	HeaderCallbackSignature = "X-Callback-Signature"
)

// maxCallbackBody bounds the request body read during verification.
const maxCallbackBody = 1 << 20 // 1 MiB

// VerifySignature authenticates inbound executor callbacks. The signature is
// a hex HMAC-SHA256 over the timestamp concatenated with the raw body, keyed
// by the shared secret. Timestamps outside the freshness window are rejected
// to stop replays of captured requests. Verification failures are 401 and
// never reach the handler.
func VerifySignature(secret string, freshness time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		timestamp := c.GetHeader(HeaderCallbackTimestamp)
		signature := c.GetHeader(HeaderCallbackSignature)
		if timestamp == "" || signature == "" {
			unauthorized(c, "missing callback authentication headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			unauthorized(c, "malformed callback timestamp")
			return
		}
		age := time.Since(time.Unix(ts, 0))
		if age > freshness || age < -freshness {
			unauthorized(c, "callback timestamp outside freshness window")
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody+1))
		if err != nil {
			unauthorized(c, "failed to read callback body")
			return
		}
		if len(body) > maxCallbackBody {
			unauthorized(c, "callback body too large")
			return
		}
		// The handler still needs the body after verification consumed it.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !ValidSignature(secret, timestamp, body, signature) {
			unauthorized(c, "callback signature mismatch")
			return
		}

		c.Next()
	}
}

// ValidSignature reports whether signature is the hex HMAC-SHA256 of
// timestamp+body under secret. The comparison is constant time.
func ValidSignature(secret, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Sign computes the hex callback signature for timestamp+body. Used by tests
// and by operator tooling that replays callbacks.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
		"code":    "UNAUTHORIZED",
	})
}
