// Package telegram is a small Bot API client covering what the service needs:
// resolving inbound file ids to download URLs and sending text, photos and
// videos back to a chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the Bot API host.
	DefaultBaseURL = "https://api.telegram.org"

	defaultTimeout = 60 * time.Second

	// captionLimit is the Bot API limit for media captions, in characters.
	captionLimit = 1024
)

// APIError is a Bot API response with ok=false or a non-2xx status.
type APIError struct {
	Method      string
	StatusCode  int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// Client talks to the Bot API with one bot token.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
}

// NewClient creates a Bot API client. An empty baseURL uses DefaultBaseURL.
func NewClient(token, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		token:      token,
		baseURL:    baseURL,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// FileURL resolves a file id into a URL the generation provider can fetch.
// The URL embeds the bot token and must not be logged.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, "getFile", url.Values{"file_id": {fileID}}, &file); err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	return c.baseURL + "/file/bot" + c.token + "/" + file.FilePath, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}, nil)
}

// SendPhoto uploads a local image file.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	return c.upload(ctx, "sendPhoto", "photo", chatID, path, caption)
}

// SendVideo uploads a local video file.
func (c *Client) SendVideo(ctx context.Context, chatID int64, path, caption string) error {
	return c.upload(ctx, "sendVideo", "video", chatID, path, caption)
}

func (c *Client) upload(ctx context.Context, method, field string, chatID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = mw.WriteField("caption", clipRunes(caption, captionLimit))
	}
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram %s: read %s: %w", method, path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &body)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	if err := c.send(req, method, nil); err != nil {
		return err
	}
	log.Debug().Str("method", method).Int64("chatId", chatID).Str("file", filepath.Base(path)).Dur("elapsed", time.Since(start)).Msg("Media sent")
	return nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, method, out)
}

func (c *Client) send(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request URL carries the token; report the method only.
		return fmt.Errorf("telegram %s: request failed: %w", method, unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var r apiResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !r.OK {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Code: r.ErrorCode, Description: r.Description}
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func clipRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
