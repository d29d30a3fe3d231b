package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasttemplate"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"

	"wacampaign/models"
)

// EndpointDispatcher calls the external APIs configured in external_apis and
// renders their responses into chat text.
type EndpointDispatcher struct {
	DB             *gorm.DB
	Client         *fasthttp.Client
	EncryptionKey  string
	DefaultTimeout time.Duration

	log *logrus.Entry

	mu      sync.Mutex
	queries map[string]*gojq.Query
	tokens  map[string]oauth2.TokenSource
}

func NewEndpointDispatcher(db *gorm.DB, encryptionKey string, timeout time.Duration) *EndpointDispatcher {
	return &EndpointDispatcher{
		DB: db,
		Client: &fasthttp.Client{
			Name:                "wacampaign",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
		EncryptionKey:  encryptionKey,
		DefaultTimeout: timeout,
		log:            logrus.WithField("component", "endpoint_dispatcher"),
		queries:        make(map[string]*gojq.Query),
		tokens:         make(map[string]oauth2.TokenSource),
	}
}

// Dispatch calls the API and returns its rendered result. Calls that never got
// a usable response come back as *models.DispatchError.
func (d *EndpointDispatcher) Dispatch(ctx context.Context, apiID uint, vars map[string]string, meta models.DispatchMeta) (*models.DispatchResult, error) {
	start := time.Now()

	var api models.ExternalAPI
	if err := d.DB.WithContext(ctx).First(&api, apiID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			derr := &models.DispatchError{Status: fasthttp.StatusNotFound, Code: models.DispatchCodeNotFound, Message: fmt.Sprintf("api %d does not exist", apiID)}
			d.record(ctx, apiID, meta, start, derr.Status, false, derr)
			return nil, derr
		}
		return nil, fmt.Errorf("load api %d: %w", apiID, err)
	}

	if !api.IsEnabled {
		derr := &models.DispatchError{Status: fasthttp.StatusServiceUnavailable, Code: models.DispatchCodeDisabled, Message: api.Name + " is disabled"}
		d.record(ctx, apiID, meta, start, 0, false, derr)
		return nil, derr
	}

	result, derr := d.call(ctx, &api, vars, meta)
	if derr != nil {
		d.record(ctx, apiID, meta, start, derr.Status, false, derr)
		return nil, derr
	}

	var tplErr error
	if result.TemplateError {
		tplErr = &models.DispatchError{Status: result.Status, Code: models.DispatchCodeTemplate, Message: "response rendered empty or missed a field"}
	}
	d.record(ctx, apiID, meta, start, result.Status, result.OK && !result.TemplateError, tplErr)

	d.log.WithFields(logrus.Fields{
		"api":         api.Name,
		"status":      result.Status,
		"ok":          result.OK,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Endpoint dispatched")
	return result, nil
}

func (d *EndpointDispatcher) call(ctx context.Context, api *models.ExternalAPI, vars map[string]string, meta models.DispatchMeta) (*models.DispatchResult, *models.DispatchError) {
	uri, err := renderStrict(api.URL, vars, url.QueryEscape)
	if err != nil {
		return nil, &models.DispatchError{Code: models.DispatchCodeTemplate, Message: "url: " + err.Error()}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	method := strings.ToUpper(strings.TrimSpace(api.Method))
	if method == "" {
		method = fasthttp.MethodGet
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)

	for k, v := range api.Headers {
		hv, err := renderStrict(v, vars, nil)
		if err != nil {
			return nil, &models.DispatchError{Code: models.DispatchCodeTemplate, Message: "header " + k + ": " + err.Error()}
		}
		req.Header.Set(k, hv)
	}

	if api.BodyTemplate != "" {
		ct := string(req.Header.ContentType())
		isJSON := strings.Contains(ct, "json") || (ct == "" && looksLikeJSON(api.BodyTemplate))
		var escape func(string) string
		if isJSON {
			escape = jsonEscape
			if ct == "" {
				req.Header.SetContentType("application/json")
			}
		}
		body, err := renderStrict(api.BodyTemplate, vars, escape)
		if err != nil {
			return nil, &models.DispatchError{Code: models.DispatchCodeTemplate, Message: "body: " + err.Error()}
		}
		req.SetBodyString(body)
	}

	if err := d.authorize(api, req, meta); err != nil {
		return nil, &models.DispatchError{Status: fasthttp.StatusBadGateway, Code: models.DispatchCodeTransport, Message: "auth: " + err.Error()}
	}

	timeout := d.DefaultTimeout
	if api.TimeoutMS > 0 {
		timeout = time.Duration(api.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 || ctx.Err() != nil {
		return nil, &models.DispatchError{Status: fasthttp.StatusGatewayTimeout, Code: models.DispatchCodeTimeout, Message: "no time left for the call"}
	}

	if err := d.Client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, &models.DispatchError{Status: fasthttp.StatusGatewayTimeout, Code: models.DispatchCodeTimeout, Message: fmt.Sprintf("no response within %s", timeout)}
		}
		return nil, &models.DispatchError{Status: fasthttp.StatusBadGateway, Code: models.DispatchCodeTransport, Message: err.Error()}
	}

	status := resp.StatusCode()
	result := &models.DispatchResult{Status: status, APIName: api.Name}
	if status >= fasthttp.StatusBadRequest {
		return result, nil
	}
	result.OK = true

	text, missing, derr := d.render(ctx, api, resp.Body(), vars)
	if derr != nil {
		derr.Status = status
		return nil, derr
	}
	result.FormattedText = strings.TrimSpace(text)
	result.TemplateError = missing || result.FormattedText == ""
	return result, nil
}

// render extracts the configured fields and fills the response template.
// missing is true when a field or placeholder had no value.
func (d *EndpointDispatcher) render(ctx context.Context, api *models.ExternalAPI, body []byte, vars map[string]string) (string, bool, *models.DispatchError) {
	if len(api.ResponseFields) == 0 && api.ResponseTemplate == "" {
		return string(body), false, nil
	}

	values := make(map[string]string, len(vars)+len(api.ResponseFields))
	for k, v := range vars {
		values[k] = v
	}

	missing := false
	if len(api.ResponseFields) > 0 {
		var data interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			return "", false, &models.DispatchError{Code: models.DispatchCodeBadResponse, Message: "response is not JSON: " + err.Error()}
		}
		for name, expr := range api.ResponseFields {
			v, ok, err := d.extract(ctx, expr, data)
			if err != nil {
				return "", false, &models.DispatchError{Code: models.DispatchCodeBadResponse, Message: name + ": " + err.Error()}
			}
			if !ok {
				missing = true
				continue
			}
			values[name] = v
		}
	}

	if api.ResponseTemplate == "" {
		names := make([]string, 0, len(api.ResponseFields))
		for name := range api.ResponseFields {
			if _, ok := values[name]; ok {
				names = append(names, name)
			}
		}
		if len(names) == 1 {
			return values[names[0]], missing, nil
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			lines = append(lines, name+": "+values[name])
		}
		return strings.Join(lines, "\n"), missing, nil
	}

	text, err := renderStrict(api.ResponseTemplate, values, nil)
	if err != nil {
		return "", true, nil
	}
	return text, missing, nil
}

// extract runs a jq expression and returns its first result as text.
func (d *EndpointDispatcher) extract(ctx context.Context, expr string, data interface{}) (string, bool, error) {
	q, err := d.query(expr)
	if err != nil {
		return "", false, err
	}
	iter := q.RunWithContext(ctx, data)
	v, ok := iter.Next()
	if !ok {
		return "", false, nil
	}
	if err, isErr := v.(error); isErr {
		return "", false, err
	}
	return jqText(v)
}

func (d *EndpointDispatcher) query(expr string) (*gojq.Query, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queries[expr]; ok {
		return q, nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	d.queries[expr] = q
	return q, nil
}

func jqText(v interface{}) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	case int:
		return strconv.Itoa(t), true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}

func (d *EndpointDispatcher) authorize(api *models.ExternalAPI, req *fasthttp.Request, meta models.DispatchMeta) error {
	authType := strings.ToLower(api.AuthType)
	if authType == "" || authType == models.APIAuthNone {
		return nil
	}

	secret, err := d.secret(api)
	if err != nil {
		return err
	}

	switch authType {
	case models.APIAuthBearer:
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+secret)
	case models.APIAuthJWT:
		token, err := signCallToken(api, secret, meta)
		if err != nil {
			return err
		}
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	case models.APIAuthOAuth2:
		tok, err := d.tokenSource(api, secret).Token()
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		req.Header.Set(fasthttp.HeaderAuthorization, tok.Type()+" "+tok.AccessToken)
	default:
		return fmt.Errorf("unknown auth type %q", api.AuthType)
	}
	return nil
}

func (d *EndpointDispatcher) secret(api *models.ExternalAPI) (string, error) {
	if d.EncryptionKey == "" {
		return api.AuthSecret, nil
	}
	secret, err := Decrypt(d.EncryptionKey, api.AuthSecret)
	if err != nil {
		return "", fmt.Errorf("decrypt secret for %s: %w", api.Name, err)
	}
	return secret, nil
}

// signCallToken issues a short-lived HS256 token identifying the contact.
func signCallToken(api *models.ExternalAPI, secret string, meta models.DispatchMeta) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    api.JWTIssuer,
		Subject:   strconv.FormatUint(uint64(meta.ContactID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	if api.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{api.JWTAudience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// tokenSource caches one client-credentials source per API revision.
func (d *EndpointDispatcher) tokenSource(api *models.ExternalAPI, secret string) oauth2.TokenSource {
	key := fmt.Sprintf("%d:%d", api.ID, api.UpdatedAt.UnixNano())

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.tokens[key]; ok {
		return ts
	}
	cfg := clientcredentials.Config{
		ClientID:     api.ClientID,
		ClientSecret: secret,
		TokenURL:     api.TokenURL,
		Scopes:       strings.Fields(api.Scopes),
	}
	ts := cfg.TokenSource(context.Background())
	d.tokens[key] = ts
	return ts
}

func (d *EndpointDispatcher) record(ctx context.Context, apiID uint, meta models.DispatchMeta, start time.Time, status int, ok bool, err error) {
	entry := models.EndpointCallLog{
		APIID:      apiID,
		SessionID:  nonZero(meta.SessionID),
		StepID:     nonZero(meta.StepID),
		ContactID:  nonZero(meta.ContactID),
		StatusCode: status,
		OK:         ok,
		Duration:   time.Since(start),
	}
	var derr *models.DispatchError
	if errors.As(err, &derr) {
		entry.ErrorCode = derr.Code
		entry.ErrorDetail = derr.Message
	}
	if err := d.DB.WithContext(ctx).Create(&entry).Error; err != nil {
		d.log.WithError(err).WithField("api_id", apiID).Warn("Failed to record endpoint call")
	}
}

func nonZero(v uint) *uint {
	if v == 0 {
		return nil
	}
	return &v
}

// renderStrict fills {{name}} tags from vars and fails on any unknown name.
func renderStrict(text string, vars map[string]string, escape func(string) string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	return fasttemplate.ExecuteFuncStringWithErr(text, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		v, ok := vars[name]
		if !ok {
			return 0, fmt.Errorf("no value for {{%s}}", name)
		}
		if escape != nil {
			v = escape(v)
		}
		return w.Write([]byte(v))
	})
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
