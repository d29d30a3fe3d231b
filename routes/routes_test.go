package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	controller "wacampaign/controllers"
	"wacampaign/engine"
	"wacampaign/models"
	"wacampaign/repository"
	"wacampaign/utils"
)

const operatorSecret = "operator-secret"

type nopEnqueuer struct{ batches int }

func (n *nopEnqueuer) Enqueue(batch []models.OutboundMessage) error {
	n.batches++
	return nil
}

func newTestApp(t *testing.T) (*fiber.App, *gorm.DB, *nopEnqueuer) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	require.NoError(t, models.SeedSystemCommands(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	campaign := models.Campaign{
		Name:     "Booking",
		Status:   models.CampaignStatusActive,
		Keywords: []models.CampaignKeyword{{Keyword: "book"}},
	}
	require.NoError(t, db.Create(&campaign).Error)
	last := models.CampaignStep{CampaignID: campaign.ID, StepNumber: 2, ActionType: models.ActionMessage, PromptText: "See you soon", IsEndStep: true}
	require.NoError(t, db.Create(&last).Error)
	first := models.CampaignStep{CampaignID: campaign.ID, StepNumber: 1, ActionType: models.ActionInput, ExpectedInput: models.ExpectText, PromptText: "Which area?", NextStepID: &last.ID}
	require.NoError(t, db.Create(&first).Error)

	eng := engine.New(engine.Deps{
		Sessions:  repository.NewSessionRepository(db),
		Contacts:  repository.NewContactRepository(db, "en"),
		Campaigns: repository.NewCampaignRepository(db),
		Commands:  repository.NewCommandRepository(db),
		Feedback:  repository.NewFeedbackRepository(db),
		Content:   utils.NewContentResolver(db, "en"),
		Locker:    utils.NewMemorySessionLock(),
		Dedupe:    utils.NewMemoryDeduplicator(time.Hour),
	}, engine.DefaultSettings())

	queue := &nopEnqueuer{}
	feed := controller.NewConversationFeed()
	app := fiber.New()
	SetupRoutes(app, Options{
		DB:                 db,
		Webhook:            controller.NewWebhookController(eng, queue, "verify-me"),
		Simulator:          controller.NewSimulatorController(eng, feed),
		Feed:               feed,
		OperatorJWTSecret:  operatorSecret,
		SimulatorRateLimit: 100,
	})
	return app, db, queue
}

func simulate(t *testing.T, app *fiber.App, token, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/simulate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestHealthAndNotFound(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["database"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSimulatorConversation(t *testing.T) {
	app, db, _ := newTestApp(t)

	resp := simulate(t, app, "", `{"from":"+60111","text":"book"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := utils.GenerateOperatorToken(operatorSecret, "ops@example.com", time.Hour)
	require.NoError(t, err)

	resp = simulate(t, app, token, `{"from":"+60111","text":"book","message_id":"s1"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var res engine.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotEmpty(t, res.Outbound)
	assert.Equal(t, "Which area?", res.Outbound[len(res.Outbound)-1].Content)

	var sess models.CampaignSession
	require.NoError(t, db.First(&sess).Error)
	assert.Equal(t, models.SessionActive, sess.Status)

	resp = simulate(t, app, token, `{"from":"+60111","text":"Kuala Lumpur","message_id":"s2"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, db.First(&sess, sess.ID).Error)
	assert.Equal(t, models.SessionCompleted, sess.Status)

	var answers int64
	db.Model(&models.CampaignResponse{}).Where("session_id = ? AND raw_input = ?", sess.ID, "Kuala Lumpur").Count(&answers)
	assert.Equal(t, int64(1), answers)
}

func TestWebhookRoutes(t *testing.T) {
	app, _, queue := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=ok", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"60111","id":"wamid.A","type":"text","text":{"body":"book"}}]}}]}]}`
	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err = app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 1, queue.batches)
}
