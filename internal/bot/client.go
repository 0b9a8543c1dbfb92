// Package bot is the messaging-platform boundary: outbound sends with
// rate-limit aware retry, purchased-media delivery, and decoding of
// button callback payloads into a closed command set.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/retry"
	"github.com/rvasily/streetmarket/internal/storage"
)

var (
	// ErrUnauthorized means the bot token was rejected; the message is dropped.
	ErrUnauthorized = errors.New("bot: unauthorized")
	// ErrBadRequest means the platform rejected the payload; the message is dropped.
	ErrBadRequest = errors.New("bot: bad request")
	// ErrRateLimited carries the platform's retry-after hint.
	ErrRateLimited = errors.New("bot: rate limited")
)

// maxRetryAfter caps how long a single rate-limit pause may be before the
// send is abandoned instead.
const maxRetryAfter = 5 * time.Minute

// Client talks to the platform's Bot HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	// sleep is swapped in tests.
	sleep func(time.Duration)
}

// NewClient creates a platform client.
func NewClient(apiURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: apiURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		sleep:   time.Sleep,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage delivers a plain text message. Transient failures are
// retried with backoff; a RetryAfter signal is respected by sleeping the
// hinted duration plus one second and trying once more.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	err := c.callWithRetry(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		metrics.OutboundSendsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.OutboundSendsTotal.WithLabelValues("sent").Inc()
	return nil
}

// SendMediaGroup delivers up to ten attachments as one album. The cached
// provider handle is tried first; if the platform rejects it (stale after
// a credential rotation), each item is re-uploaded from its on-disk blob.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, media []storage.Media) error {
	if len(media) == 0 {
		return nil
	}
	if len(media) > 10 {
		c.logger.Warn("media group exceeds platform limit, truncating", "count", len(media))
		media = media[:10]
	}

	items := make([]map[string]any, 0, len(media))
	for _, m := range media {
		if m.FileHandle == "" {
			continue
		}
		items = append(items, map[string]any{
			"type":  mediaGroupType(m.Kind),
			"media": m.FileHandle,
		})
	}

	if len(items) == len(media) {
		err := c.callWithRetry(ctx, "sendMediaGroup", map[string]any{
			"chat_id": chatID,
			"media":   items,
		})
		if err == nil {
			metrics.OutboundSendsTotal.WithLabelValues("sent").Inc()
			return nil
		}
		if !errors.Is(err, ErrBadRequest) {
			metrics.OutboundSendsTotal.WithLabelValues("failed").Inc()
			return err
		}
		c.logger.Warn("cached file handles rejected, re-uploading from disk", "chat", chatID)
	}

	// Fallback: upload the original blobs one by one.
	var firstErr error
	for _, m := range media {
		if err := c.uploadFromDisk(ctx, chatID, m); err != nil {
			c.logger.Error("media re-upload failed",
				"chat", chatID, "path", m.FilePath, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		metrics.OutboundSendsTotal.WithLabelValues("failed").Inc()
		return firstErr
	}
	metrics.OutboundSendsTotal.WithLabelValues("sent").Inc()
	return nil
}

func mediaGroupType(kind storage.MediaKind) string {
	switch kind {
	case storage.MediaVideo:
		return "video"
	case storage.MediaAnimation:
		// Albums cannot carry animations; documents keep the original bytes.
		return "document"
	default:
		return "photo"
	}
}

func uploadMethod(kind storage.MediaKind) (method, field string) {
	switch kind {
	case storage.MediaVideo:
		return "sendVideo", "video"
	case storage.MediaAnimation:
		return "sendAnimation", "animation"
	default:
		return "sendPhoto", "photo"
	}
}

func (c *Client) uploadFromDisk(ctx context.Context, chatID int64, m storage.Media) error {
	f, err := os.Open(m.FilePath)
	if err != nil {
		return fmt.Errorf("open media blob: %w", err)
	}
	defer f.Close()

	method, field := uploadMethod(m.Kind)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return err
	}
	part, err := w.CreateFormFile(field, filepath.Base(m.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIError(resp)
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// DownloadFile fetches a platform file by handle into destDir and
// returns the on-disk path. Used to persist admin-uploaded product media
// so delivery can re-upload after the cached handle goes stale.
func (c *Client) DownloadFile(ctx context.Context, fileHandle, destDir string) (string, error) {
	body, err := json.Marshal(map[string]any{"file_id": fileHandle})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("getFile"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return "", fmt.Errorf("bot: decode getFile response: %w", err)
	}
	if !api.OK {
		return "", fmt.Errorf("bot: getFile failed: %s", api.Description)
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(api.Result, &file); err != nil || file.FilePath == "" {
		return "", fmt.Errorf("bot: getFile result missing file_path")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, filepath.Base(file.FilePath))

	dlURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return "", err
	}
	dlResp, err := c.http.Do(dlReq)
	if err != nil {
		return "", err
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bot: file download status %d", dlResp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, dlResp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

// callWithRetry wraps call with the boundary's send policy: transient
// errors back off and retry, Unauthorized and BadRequest drop
// immediately, and a rate-limit hint pauses for hint+1 seconds before
// one more attempt.
func (c *Client) callWithRetry(ctx context.Context, method string, payload any) error {
	return retry.Do(ctx, 3, time.Second, func() error {
		err := c.call(ctx, method, payload)
		if err == nil {
			return nil
		}

		var rl *rateLimitError
		if errors.As(err, &rl) {
			wait := time.Duration(rl.retryAfter+1) * time.Second
			if wait > maxRetryAfter {
				c.logger.Warn("rate-limit pause exceeds budget, dropping send",
					"method", method, "retry_after", rl.retryAfter)
				return retry.Permanent(ErrRateLimited)
			}
			metrics.OutboundSendsTotal.WithLabelValues("rate_limited").Inc()
			c.sleep(wait)
			if err := c.call(ctx, method, payload); err != nil {
				return retry.Permanent(err)
			}
			return nil
		}

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadRequest) {
			c.logger.Warn("dropping outbound message", "method", method, "error", err)
			return retry.Permanent(err)
		}
		return err
	})
}

type rateLimitError struct {
	retryAfter int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("bot: rate limited, retry after %ds", e.retryAfter)
}

func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("bot: decode response: %w", err)
	}
	if api.OK {
		return nil
	}
	switch api.ErrorCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return &rateLimitError{retryAfter: api.Parameters.RetryAfter}
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, api.Description)
	}
	return fmt.Errorf("bot: api error %d: %s", api.ErrorCode, api.Description)
}
