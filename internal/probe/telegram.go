package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramClient probes Telegram Bot API credentials. A credential is a bot
// token; getMe serves as both validation and heartbeat.
type TelegramClient struct {
	endpoint string
	http     *http.Client
}

// NewTelegramClient builds a client against endpoint, a format string in the
// form of tgbotapi.APIEndpoint. An empty endpoint selects the public API.
func NewTelegramClient(endpoint string, httpClient *http.Client) *TelegramClient {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramClient{endpoint: endpoint, http: httpClient}
}

func (c *TelegramClient) Validate(ctx context.Context, credential string) (AccountInfo, error) {
	me, err := c.getMe(ctx, credential)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{AccountID: me.ID, Username: me.UserName, FirstName: me.FirstName}, nil
}

// Heartbeat reports whether getMe still returns an account for credential.
func (c *TelegramClient) Heartbeat(ctx context.Context, credential string) (bool, error) {
	me, err := c.getMe(ctx, credential)
	if err != nil {
		return false, err
	}
	return me.ID != 0, nil
}

func (c *TelegramClient) getMe(ctx context.Context, credential string) (tgbotapi.User, error) {
	// NewBotAPIWithClient issues getMe and fills Self.
	bot, err := tgbotapi.NewBotAPIWithClient(credential, c.endpoint, contextDoer{ctx: ctx, client: c.http})
	if err != nil {
		return tgbotapi.User{}, classifyTelegramError(err)
	}
	return bot.Self, nil
}

// classifyTelegramError maps Bot API failures onto the probe error taxonomy.
func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Transport errors quote the request URL, which embeds the token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("telegram %s: %w", urlErr.Op, urlErr.Err)
		}
		return err
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrInvalidCredential, apiErr.Message)
	case http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	default:
		return fmt.Errorf("telegram api error %d: %s", apiErr.Code, apiErr.Message)
	}
}

// contextDoer binds ctx to requests issued by tgbotapi, which builds them
// without one.
type contextDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}
