package service

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate substitutes {{key}} placeholders with the stringified
// context value. Unknown keys are left untouched.
func Interpolate(template string, ctx models.JSONMap) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := ctx[key]; ok {
			return fmt.Sprintf("%v", value)
		}
		return match
	})
}

// WebhookClient delivers outbound webhook payloads. Delivery is
// at-least-once; receivers deduplicate on their side. Each request
// carries an HMAC-SHA256 signature of the body in X-Hub-Signature.
type WebhookClient struct {
	client *http.Client
	secret []byte
	logger Logger
}

func NewWebhookClient(secret string, logger Logger) *WebhookClient {
	return &WebhookClient{
		client: &http.Client{Timeout: 30 * time.Second},
		secret: []byte(secret),
		logger: logger,
	}
}

// Post sends the payload as JSON and treats any 2xx response as
// success.
func (c *WebhookClient) Post(url string, payload models.JSONMap) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature", "sha256="+c.sign(body))

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrActionExecution, "webhook %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrActionExecution, "webhook %s returned %d", url, resp.StatusCode)
	}
	c.logger.Infof("Webhook delivered to %s (%d)", url, resp.StatusCode)
	return nil
}

func (c *WebhookClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
