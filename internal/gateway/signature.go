package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns hex(HMAC-SHA256(secret, orderID|paymentID)), the signature the
// gateway hands the buyer after a successful checkout.
func Sign(secret, orderID, paymentID string) string {
	return SignPayload(secret, []byte(orderID+"|"+paymentID))
}

// SignPayload returns hex(HMAC-SHA256(secret, payload)).
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload compares the expected signature of payload with signature in
// constant time.
func VerifyPayload(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Verify checks a checkout signature for orderID and paymentID.
func Verify(secret, orderID, paymentID, signature string) bool {
	return VerifyPayload(secret, []byte(orderID+"|"+paymentID), signature)
}
