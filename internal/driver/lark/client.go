// Package lark adapts the Lark Open Platform REST and webhook surfaces to
// the neutral envelopes the pipeline consumes.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hibari/pkg/hibari"

	"github.com/google/uuid"
)

const (
	defaultBaseURL     = "https://open.larksuite.com"
	defaultHTTPTimeout = 15 * time.Second

	// tokenExpirySlack renews tenant tokens before the platform deadline.
	tokenExpirySlack = 5 * time.Minute

	// codePermissionDenied is the Lark error code for insufficient
	// permissions, returned for bot accounts and external contacts.
	codePermissionDenied = 41050

	msgTypeText        = "text"
	msgTypeInteractive = "interactive"
)

// ClientConfig configures one Lark REST client.
type ClientConfig struct {
	// AppID is the Lark application identifier.
	AppID string
	// AppSecret is the Lark application secret.
	AppSecret string
	// BaseURL optionally overrides the Lark Open Platform endpoint.
	BaseURL string
	// HTTPTimeout bounds each REST call. Zero uses the default.
	HTTPTimeout time.Duration
}

// ClientOption mutates client construction.
type ClientOption func(*Client)

// WithClientLogger configures structured logging for REST operations.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func withClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client talks to the Lark Open Platform REST API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient builds one Lark REST client.
func NewClient(cfg ClientConfig, options ...ClientOption) (*Client, error) {
	cfg.AppID = strings.TrimSpace(cfg.AppID)
	cfg.AppSecret = strings.TrimSpace(cfg.AppSecret)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)

	if cfg.AppID == "" {
		return nil, fmt.Errorf("new lark client: missing app id")
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("new lark client: missing app secret")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("new lark client parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("new lark client parse base url: must include scheme and host")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	client := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, option := range options {
		option(client)
	}

	return client, nil
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// BotIdentity returns the application's own actor identity.
func (c *Client) BotIdentity(ctx context.Context) (hibari.Actor, error) {
	var data struct {
		Bot struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := c.call(ctx, http.MethodGet, "/open-apis/bot/v3/info", nil, &data); err != nil {
		return hibari.Actor{}, fmt.Errorf("lark bot identity: %w", err)
	}
	if data.Bot.OpenID == "" {
		return hibari.Actor{}, fmt.Errorf("lark bot identity: empty open id")
	}

	return hibari.Actor{
		ID:          data.Bot.OpenID,
		DisplayName: data.Bot.AppName,
		IsBot:       true,
	}, nil
}

// ResolveDisplayName returns the display name for one user.
func (c *Client) ResolveDisplayName(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("lark resolve display name: empty user id")
	}

	var data struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	path := "/open-apis/contact/v3/users/" + url.PathEscape(userID) + "?user_id_type=open_id"
	if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", fmt.Errorf("lark resolve display name %s: %w", userID, err)
	}
	if data.User.Name == "" {
		return "", fmt.Errorf("lark resolve display name %s: empty name", userID)
	}

	return data.User.Name, nil
}

// GroupInfo returns metadata for one group conversation.
func (c *Client) GroupInfo(ctx context.Context, groupID string) (hibari.GroupInfo, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return hibari.GroupInfo{}, fmt.Errorf("lark group info: empty group id")
	}

	var data struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		UserCount   string `json:"user_count"`
	}
	path := "/open-apis/im/v1/chats/" + url.PathEscape(groupID)
	if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return hibari.GroupInfo{}, fmt.Errorf("lark group info %s: %w", groupID, err)
	}

	info := hibari.GroupInfo{
		ID:          groupID,
		Name:        data.Name,
		Description: data.Description,
	}
	if data.UserCount != "" {
		if count, err := strconv.Atoi(data.UserCount); err == nil {
			info.MemberCount = count
		}
	}

	return info, nil
}

// GroupMembers returns the resolved member list for one group, following
// pagination until exhausted.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]hibari.GroupMember, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("lark group members: empty group id")
	}

	members := make([]hibari.GroupMember, 0, 32)
	pageToken := ""
	for {
		var data struct {
			Items []struct {
				MemberID string `json:"member_id"`
				Name     string `json:"name"`
			} `json:"items"`
			HasMore   bool   `json:"has_more"`
			PageToken string `json:"page_token"`
		}
		path := "/open-apis/im/v1/chats/" + url.PathEscape(groupID) +
			"/members?member_id_type=open_id&page_size=100"
		if pageToken != "" {
			path += "&page_token=" + url.QueryEscape(pageToken)
		}
		if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
			return nil, fmt.Errorf("lark group members %s: %w", groupID, err)
		}

		for _, item := range data.Items {
			if item.MemberID == "" || item.Name == "" {
				continue
			}
			members = append(members, hibari.GroupMember{
				ID:          item.MemberID,
				DisplayName: item.Name,
			})
		}
		if !data.HasMore || data.PageToken == "" {
			break
		}
		pageToken = data.PageToken
	}

	return members, nil
}

// GetMessage fetches one message by identifier.
func (c *Client) GetMessage(ctx context.Context, messageID string) (hibari.ChatMessage, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return hibari.ChatMessage{}, fmt.Errorf("lark get message: empty message id")
	}

	var data struct {
		Items []struct {
			MessageID string `json:"message_id"`
			MsgType   string `json:"msg_type"`
			Sender    struct {
				ID string `json:"id"`
			} `json:"sender"`
			Body struct {
				Content string `json:"content"`
			} `json:"body"`
			Mentions   []contentMention `json:"mentions"`
			CreateTime string           `json:"create_time"`
		} `json:"items"`
	}
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID)
	if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return hibari.ChatMessage{}, fmt.Errorf("lark get message %s: %w", messageID, err)
	}
	if len(data.Items) == 0 {
		return hibari.ChatMessage{}, fmt.Errorf("lark get message %s: %w", messageID, hibari.ErrNotFound)
	}

	item := data.Items[0]
	content, err := DecodeContent(item.MsgType, item.Body.Content, item.Mentions)
	if err != nil {
		return hibari.ChatMessage{}, fmt.Errorf("lark get message %s decode: %w", messageID, err)
	}

	message := hibari.ChatMessage{
		ID:       item.MessageID,
		SenderID: item.Sender.ID,
		Content:  content,
	}
	if millis, err := strconv.ParseInt(item.CreateTime, 10, 64); err == nil {
		message.SentAt = time.UnixMilli(millis)
	}

	return message, nil
}

// ReplyText sends a plain-text reply and returns the new message identifier.
func (c *Client) ReplyText(ctx context.Context, messageID, text string) (string, error) {
	return c.reply(ctx, messageID, msgTypeText, encodeTextContent(text))
}

// ReplyCard sends an interactive card reply and returns the new message
// identifier.
func (c *Client) ReplyCard(ctx context.Context, messageID, cardJSON string) (string, error) {
	return c.reply(ctx, messageID, msgTypeInteractive, cardJSON)
}

func (c *Client) reply(ctx context.Context, messageID, msgType, content string) (string, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return "", fmt.Errorf("lark reply: empty message id")
	}

	body := map[string]any{
		"content":  content,
		"msg_type": msgType,
		"uuid":     uuid.NewString(),
	}
	var data struct {
		MessageID string `json:"message_id"`
	}
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	if err := c.call(ctx, http.MethodPost, path, body, &data); err != nil {
		return "", fmt.Errorf("lark reply to %s: %w", messageID, err)
	}
	if data.MessageID == "" {
		return "", fmt.Errorf("lark reply to %s: empty message id in response", messageID)
	}

	c.logger.InfoContext(ctx, "lark outbound operation",
		"operation", "reply",
		"msg_type", msgType,
		"reply_to_message_id", messageID,
		"message_id", data.MessageID,
	)

	return data.MessageID, nil
}

// PatchMessage replaces the content of an existing interactive card.
func (c *Client) PatchMessage(ctx context.Context, messageID, cardJSON string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("lark patch message: empty message id")
	}

	body := map[string]any{"content": cardJSON}
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID)
	if err := c.call(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("lark patch message %s: %w", messageID, err)
	}

	return nil
}

// DeleteMessage removes one message sent by the application.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("lark delete message: empty message id")
	}

	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID)
	if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("lark delete message %s: %w", messageID, err)
	}

	return nil
}

// React attaches one emoji reaction to a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("lark react: empty message id")
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("lark react: empty emoji")
	}

	body := map[string]any{
		"reaction_type": map[string]any{"emoji_type": emoji},
	}
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("lark react to %s: %w", messageID, err)
	}

	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	status, payload, err := c.do(ctx, method, path, body, token)
	if err != nil {
		return err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if apiErr := classifyAPIError(status, envelope.Code, envelope.Msg); apiErr != nil {
		return apiErr
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", hibari.ErrTransient, method, path, err)
	}
	defer func() { _ = response.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", hibari.ErrTransient, err)
	}

	return response.StatusCode, payload, nil
}

// accessToken returns a cached tenant access token, fetching a new one when
// the cached token is missing or near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpires) {
		return c.token, nil
	}

	body := map[string]any{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	}
	status, payload, err := c.do(ctx, http.MethodPost, "/open-apis/auth/v3/tenant_access_token/internal", body, "")
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("fetch tenant token decode: %w", err)
	}
	if apiErr := classifyAPIError(status, parsed.Code, parsed.Msg); apiErr != nil {
		return "", fmt.Errorf("fetch tenant token: %w", apiErr)
	}
	if parsed.TenantAccessToken == "" {
		return "", fmt.Errorf("fetch tenant token: empty token")
	}

	expiry := time.Duration(parsed.Expire) * time.Second
	if expiry > tokenExpirySlack {
		expiry -= tokenExpirySlack
	}
	c.token = parsed.TenantAccessToken
	c.tokenExpires = c.now().Add(expiry)

	return c.token, nil
}

// classifyAPIError maps Lark HTTP/status codes onto the neutral error
// taxonomy. Permission refusals are permanent, throttles and server faults
// are retryable.
func classifyAPIError(httpStatus, code int, msg string) error {
	if code == 0 && httpStatus < 400 {
		return nil
	}

	switch {
	case code == codePermissionDenied || httpStatus == http.StatusForbidden:
		return fmt.Errorf("%w: code=%d msg=%s", hibari.ErrPermissionDenied, code, msg)
	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		return fmt.Errorf("%w: status=%d code=%d msg=%s", hibari.ErrTransient, httpStatus, code, msg)
	default:
		return fmt.Errorf("lark api error: status=%d code=%d msg=%s", httpStatus, code, msg)
	}
}

func encodeTextContent(text string) string {
	encoded, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return `{"text":""}`
	}

	return string(encoded)
}

var _ hibari.PlatformClient = (*Client)(nil)
