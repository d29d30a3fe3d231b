package controller

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"wacampaign/engine"
	"wacampaign/models"
	"wacampaign/utils"
)

// MessageHandler runs one inbound event through the conversation engine.
type MessageHandler interface {
	Handle(ctx context.Context, ev engine.InboundEvent) (*engine.Result, error)
}

// Enqueuer accepts engine output for delivery.
type Enqueuer interface {
	Enqueue(batch []models.OutboundMessage) error
}

type WebhookController struct {
	Engine      MessageHandler
	Delivery    Enqueuer
	VerifyToken string
	Logger      *logrus.Entry
}

func NewWebhookController(eng MessageHandler, delivery Enqueuer, verifyToken string) *WebhookController {
	return &WebhookController{
		Engine:      eng,
		Delivery:    delivery,
		VerifyToken: verifyToken,
		Logger:      logrus.WithField("component", "webhook"),
	}
}

// Verify answers the subscription handshake.
func (wc *WebhookController) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || wc.VerifyToken == "" || token != wc.VerifyToken {
		wc.Logger.WithField("mode", mode).Warn("Webhook verification rejected")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Verification failed",
		})
	}
	return c.SendString(challenge)
}

// Receive handles inbound messages. It responds 500 when any message could
// not be processed so the provider redelivers; messages already handled are
// dropped as duplicates on the retry.
func (wc *WebhookController) Receive(c *fiber.Ctx) error {
	var payload WebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	failed := 0
	events := payload.Events()
	for _, ev := range events {
		res, err := wc.Engine.Handle(c.UserContext(), ev)
		if err != nil {
			failed++
			utils.LogError("webhook_handle_failed", err, map[string]interface{}{
				"from":       ev.From,
				"message_id": ev.MessageID,
			})
			continue
		}
		if res.Duplicate {
			wc.Logger.WithField("message_id", ev.MessageID).Debug("Duplicate inbound message ignored")
			continue
		}
		if err := wc.Delivery.Enqueue(res.Outbound); err != nil {
			utils.LogError("delivery_enqueue_failed", err, map[string]interface{}{
				"from":     ev.From,
				"messages": len(res.Outbound),
			})
		}
	}

	if failed > 0 {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Failed to process messages",
			"failed": failed,
		})
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"messages": len(events),
	})
}
