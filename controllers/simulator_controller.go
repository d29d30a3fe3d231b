package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"wacampaign/engine"
	"wacampaign/utils"
	"wacampaign/worker"
)

// SimulatorController lets operators talk to campaigns without a phone.
// Replies are returned in the response instead of being delivered.
type SimulatorController struct {
	Engine MessageHandler
	Feed   worker.Publisher
	Logger *logrus.Entry
}

func NewSimulatorController(eng MessageHandler, feed worker.Publisher) *SimulatorController {
	return &SimulatorController{
		Engine: eng,
		Feed:   feed,
		Logger: logrus.WithField("component", "simulator"),
	}
}

type SimulateRequest struct {
	From      string                 `json:"from" validate:"required,max=32"`
	Text      string                 `json:"text" validate:"max=4096"`
	Kind      string                 `json:"kind" validate:"omitempty,oneof=text button list location"`
	// Payload carries button and list answers as "reply_id" and "reply_title".
	Payload   map[string]interface{} `json:"payload"`
	MessageID string                 `json:"message_id" validate:"max=128"`
	Name      string                 `json:"name" validate:"max=64"`
}

// Simulate runs one message through the engine and returns its replies.
func (sc *SimulatorController) Simulate(c *fiber.Ctx) error {
	var input SimulateRequest
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	res, err := sc.Engine.Handle(c.UserContext(), engine.InboundEvent{
		From:        input.From,
		Text:        input.Text,
		Kind:        engine.InputKind(input.Kind),
		Payload:     input.Payload,
		MessageID:   input.MessageID,
		ProfileName: input.Name,
	})
	if err != nil {
		utils.LogError("simulate_failed", err, map[string]interface{}{"from": input.From})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	if sc.Feed != nil {
		for _, m := range res.Outbound {
			sc.Feed.Publish(worker.DeliveryEvent{Message: m, Status: "simulated", At: time.Now()})
		}
	}
	return c.JSON(res)
}
