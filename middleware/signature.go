package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"

	"wacampaign/utils"
)

const signatureHeader = "X-Hub-Signature-256"

// WebhookSignature rejects webhook calls whose X-Hub-Signature-256 does not
// match the body signed with appSecret. An empty secret disables the check.
func WebhookSignature(appSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if appSecret == "" {
			return c.Next()
		}

		sig := strings.TrimPrefix(c.Get(signatureHeader), "sha256=")
		got, err := hex.DecodeString(sig)
		if err != nil || len(got) == 0 || !hmac.Equal(got, SignBody(appSecret, c.Body())) {
			utils.LogEvent("webhook_signature_rejected", map[string]interface{}{
				"ip":   c.IP(),
				"path": c.Path(),
			})
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}
		return c.Next()
	}
}

// SignBody returns the HMAC-SHA256 of body.
func SignBody(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}
