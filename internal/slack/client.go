package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ClientConfig configures the outbound Web API client.
type ClientConfig struct {
	BotToken   string
	APIBase    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the outbound half of the transport: chat messages and file
// uploads. Both report success or failure synchronously; platform
// rejections surface as *DeliveryError.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
	http   *http.Client
}

// NewClient creates a Web API client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, logger: logger, http: httpClient}
}

// apiResponse is the envelope every Web API method shares.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// AuthTest resolves the bot's own user id. Needed by the classifier's
// self-authored rule; called once at startup.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var body struct {
		apiResponse
		UserID string `json:"user_id"`
		Team   string `json:"team"`
	}
	if err := c.postJSON(ctx, "auth.test", map[string]any{}, &body); err != nil {
		return "", err
	}
	if !body.OK {
		return "", fmt.Errorf("auth.test rejected: %s", body.Error)
	}
	c.logger.Debug("auth.test ok", zap.String("bot_user_id", body.UserID), zap.String("team", body.Team))
	return body.UserID, nil
}

// PostMessage sends a text message, threaded when threadTS is non-empty.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) error {
	payload := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}

	var body apiResponse
	if err := c.postJSON(ctx, "chat.postMessage", payload, &body); err != nil {
		return err
	}
	if !body.OK {
		return &DeliveryError{Code: body.Error, Op: "chat.postMessage"}
	}
	return nil
}

// UploadRequest describes a file delivery into a channel or thread.
type UploadRequest struct {
	Channel  string
	Filename string
	Title    string
	Comment  string
	ThreadTS string
	Reader   io.Reader
	Size     int64
}

// UploadFile delivers a file via the external-upload flow: reserve an
// upload URL, POST the bytes, then complete the upload into the target
// conversation.
func (c *Client) UploadFile(ctx context.Context, req UploadRequest) error {
	fileID, uploadURL, err := c.getUploadURL(ctx, req.Filename, req.Size)
	if err != nil {
		return err
	}
	if err := c.putBytes(ctx, uploadURL, req.Reader); err != nil {
		return err
	}
	return c.completeUpload(ctx, fileID, req)
}

func (c *Client) getUploadURL(ctx context.Context, filename string, size int64) (fileID, uploadURL string, err error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("length", strconv.FormatInt(size, 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.APIBase+"/files.getUploadURLExternal?"+q.Encode(), nil)
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("files.getUploadURLExternal failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		apiResponse
		UploadURL string `json:"upload_url"`
		FileID    string `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("files.getUploadURLExternal decode failed: %w", err)
	}
	if !body.OK {
		return "", "", &DeliveryError{Code: body.Error, Op: "files.getUploadURLExternal"}
	}
	return body.FileID, body.UploadURL, nil
}

func (c *Client) putBytes(ctx context.Context, uploadURL string, r io.Reader) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, r)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("file byte upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Code: fmt.Sprintf("upload_http_%d", resp.StatusCode), Op: "file upload"}
	}
	return nil
}

func (c *Client) completeUpload(ctx context.Context, fileID string, req UploadRequest) error {
	payload := map[string]any{
		"files":      []map[string]string{{"id": fileID, "title": req.Title}},
		"channel_id": req.Channel,
	}
	if req.Comment != "" {
		payload["initial_comment"] = req.Comment
	}
	if req.ThreadTS != "" {
		payload["thread_ts"] = req.ThreadTS
	}

	var body apiResponse
	if err := c.postJSON(ctx, "files.completeUploadExternal", payload, &body); err != nil {
		return err
	}
	if !body.OK {
		return &DeliveryError{Code: body.Error, Op: "files.completeUploadExternal"}
	}
	return nil
}

// postJSON issues an authenticated JSON POST to a Web API method.
func (c *Client) postJSON(ctx context.Context, method string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode failed: %w", method, err)
	}
	return nil
}
