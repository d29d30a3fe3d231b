package models

import (
	"time"

	"gorm.io/gorm"
)

// Auth types for external APIs
const (
	APIAuthNone   = "none"
	APIAuthBearer = "bearer"
	APIAuthJWT    = "jwt"
	APIAuthOAuth2 = "oauth2"
)

// ExternalAPI describes an endpoint an api step can call and how to turn its
// response into a chat message.
type ExternalAPI struct {
	gorm.Model
	Name      string `gorm:"not null;uniqueIndex" json:"name"`
	Method    string `gorm:"default:'GET'" json:"method"`
	URL       string `gorm:"not null" json:"url"` // may contain {{placeholders}}
	IsEnabled bool   `gorm:"default:true" json:"is_enabled"`
	TimeoutMS int    `gorm:"default:0" json:"timeout_ms"` // 0 uses the dispatcher default

	// Request shaping
	Headers      map[string]string `gorm:"serializer:json" json:"headers"`
	BodyTemplate string            `json:"body_template"`

	// Response shaping: field name -> jq expression, then rendered into ResponseTemplate
	ResponseFields   map[string]string `gorm:"serializer:json" json:"response_fields"`
	ResponseTemplate string            `json:"response_template"`

	// Auth
	AuthType    string `gorm:"default:'none'" json:"auth_type"`
	AuthSecret  string `json:"-"` // encrypted at rest
	ClientID    string `json:"client_id"`
	TokenURL    string `json:"token_url"`
	Scopes      string `json:"scopes"` // space separated
	JWTIssuer   string `json:"jwt_issuer"`
	JWTAudience string `json:"jwt_audience"`
}

// EndpointCallLog records one dispatch of an external API.
type EndpointCallLog struct {
	ID          uint          `gorm:"primarykey" json:"id"`
	APIID       uint          `gorm:"not null;index" json:"api_id"`
	SessionID   *uint         `gorm:"index" json:"session_id"`
	StepID      *uint         `json:"step_id"`
	ContactID   *uint         `json:"contact_id"`
	StatusCode  int           `json:"status_code"`
	OK          bool          `json:"ok"`
	ErrorCode   string        `json:"error_code"`
	ErrorDetail string        `json:"error_detail"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `gorm:"index" json:"created_at"`
}
