// Пакет uploadclient — Go-клиент Upload Service с автоматической докачкой.
//
// Управляющие запросы (schedule, status) идут через retryablehttp с повторами.
// Запросы с телом не повторяются транспортом: повтор новой загрузки создал бы
// вторую запись. Вместо этого после обрыва клиент запрашивает статус и
// продолжает с подтверждённого сервером смещения Broken(n).
package uploadclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
)

// Заголовки протокола загрузки.
const (
	headerFilename = "X-Upload-Filename"
	headerLength   = "X-Upload-Length"
	headerChecksum = "X-Upload-Checksum"
	headerID       = "X-Upload-Id"
	headerOffset   = "X-Upload-Offset"
)

// Состояния загрузки в ответах сервера.
const (
	StateUnInit     = "UnInit"
	StateInProgress = "InProgress"
	StateResume     = "Resume"
	StateBroken     = "Broken"
	StateComplete   = "Complete"
	StateFailed     = "Failed"
)

var (
	// ErrDenied — сервер отказал в допуске (см. DeniedError).
	ErrDenied = errors.New("загрузка отклонена сервером")
	// ErrNotResumable — загрузка в состоянии, из которого докачка невозможна.
	ErrNotResumable = errors.New("загрузка не может быть продолжена")
	// ErrAttemptsExhausted — исчерпан лимит попыток докачки.
	ErrAttemptsExhausted = errors.New("исчерпан лимит попыток докачки")
)

// Options — параметры клиента.
type Options struct {
	// HTTPClient — базовый HTTP-клиент (по умолчанию cleanhttp из retryablehttp)
	HTTPClient *http.Client
	// RetryMax — повторы управляющих запросов (по умолчанию 4)
	RetryMax int
	// RetryWaitMin/RetryWaitMax — границы backoff управляющих запросов
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// MaxResumes — сколько раз Upload продолжает после обрыва (по умолчанию 5)
	MaxResumes int
	// ResumeWait — пауза перед запросом статуса после обрыва (по умолчанию 500ms)
	ResumeWait time.Duration
	Logger     *slog.Logger
}

// Client — клиент Upload Service.
type Client struct {
	baseURL    string
	control    *retryablehttp.Client
	data       *retryablehttp.Client
	maxResumes int
	resumeWait time.Duration
	logger     *slog.Logger
}

// Status — состояние загрузки.
type Status struct {
	ID     string `json:"id,omitempty"`
	State  string `json:"status"`
	Offset *int64 `json:"offset,omitempty"`
}

// Result — итог Upload.
type Result struct {
	ID      string
	Size    int64
	Resumes int
}

// APIError — структурированная ошибка сервера.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	UploadID   string `json:"upload_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s (%s): %s", e.StatusCode, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// DeniedError — отказ контроля допуска.
type DeniedError struct {
	Reason string
	Detail string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrDenied, e.Reason, e.Detail)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// New создаёт клиент для сервиса по адресу baseURL (например, http://host:8040).
func New(baseURL string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "uploadclient"))

	control := retryablehttp.NewClient()
	control.Logger = logger
	if opts.HTTPClient != nil {
		control.HTTPClient = opts.HTTPClient
	}
	if opts.RetryMax > 0 {
		control.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		control.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		control.RetryWaitMax = opts.RetryWaitMax
	}
	control.ErrorHandler = retryablehttp.PassthroughErrorHandler

	data := retryablehttp.NewClient()
	data.Logger = logger
	data.HTTPClient = control.HTTPClient
	data.RetryMax = 0
	data.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:    baseURL,
		control:    control,
		data:       data,
		maxResumes: opts.MaxResumes,
		resumeWait: opts.ResumeWait,
		logger:     logger,
	}
	if c.maxResumes <= 0 {
		c.maxResumes = 5
	}
	if c.resumeWait <= 0 {
		c.resumeWait = 500 * time.Millisecond
	}
	return c
}

// Schedule запрашивает предварительный допуск. При одобрении возвращает id
// запланированной загрузки; при отказе — *DeniedError.
func (c *Client) Schedule(ctx context.Context, name string, length int64, hash string) (string, error) {
	body, err := json.Marshal(map[string]any{"hash": hash, "length": length, "name": name})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/uploads/schedule", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.control.Do(req)
	if err != nil {
		return "", fmt.Errorf("schedule: %w", err)
	}
	defer resp.Body.Close()

	var decision struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Reason string `json:"reason"`
		Detail string `json:"detail"`
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("schedule: %w", err)
		}
		if err := json.Unmarshal(raw, &decision); err != nil {
			return "", fmt.Errorf("schedule: некорректный ответ: %w", err)
		}
		if decision.Status == "Approved" {
			return decision.ID, nil
		}
		if decision.Status == "Denied" {
			return "", &DeniedError{Reason: decision.Reason, Detail: decision.Detail}
		}
		// 409 от JSON-ошибки (например, JOB_BUSY)
		return "", decodeErrorBytes(resp.StatusCode, raw)
	default:
		return "", decodeError(resp)
	}
}

// Status возвращает состояние загрузки. Неизвестный id — UnInit.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/uploads/"+url.PathEscape(id), nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, decodeError(resp)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("status: некорректный ответ: %w", err)
	}
	return st, nil
}

// Upload загружает файл path. Сначала выполняется предварительный допуск,
// затем тело отправляется под полученным id. После обрыва клиент запрашивает
// статус и продолжает с подтверждённого смещения, не более MaxResumes раз.
func (c *Client) Upload(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	size := info.Size()
	name := filepath.Base(path)

	hash, err := fileHash(f)
	if err != nil {
		return Result{}, fmt.Errorf("хэш файла: %w", err)
	}

	id, err := c.Schedule(ctx, name, size, hash)
	if err != nil {
		return Result{}, err
	}
	res := Result{ID: id, Size: size}
	logger := c.logger.With(slog.String("upload_id", id))
	logger.Info("Загрузка начата",
		slog.String("name", name),
		slog.String("size", units.HumanSize(float64(size))),
	)

	sendErr := c.start(ctx, f, id, name, size, hash)
	for sendErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !resumable(sendErr) {
			return res, sendErr
		}
		if res.Resumes >= c.maxResumes {
			return res, fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, res.Resumes, sendErr)
		}
		logger.Warn("Загрузка прервана, запрос статуса", slog.String("error", sendErr.Error()))

		st, err := c.settledStatus(ctx, id)
		if err != nil {
			return res, err
		}

		res.Resumes++
		switch st.State {
		case StateComplete:
			sendErr = nil
		case StateUnInit:
			sendErr = c.start(ctx, f, id, name, size, hash)
		case StateBroken:
			offset := int64(0)
			if st.Offset != nil {
				offset = *st.Offset
			}
			if offset <= 0 {
				return res, fmt.Errorf("%w: Broken(0)", ErrNotResumable)
			}
			logger.Info("Докачка", slog.Int64("offset", offset))
			sendErr = c.resume(ctx, f, id, size, offset)
		default:
			return res, fmt.Errorf("%w: состояние %s", ErrNotResumable, st.State)
		}
	}

	logger.Info("Загрузка завершена", slog.Int("resumes", res.Resumes))
	return res, nil
}

// settledStatus ждёт, пока сервер заметит обрыв: InProgress/Resume ещё не итог попытки.
func (c *Client) settledStatus(ctx context.Context, id string) (Status, error) {
	for {
		if err := sleep(ctx, c.resumeWait); err != nil {
			return Status{}, err
		}
		st, err := c.Status(ctx, id)
		if err != nil {
			return Status{}, err
		}
		if st.State != StateInProgress && st.State != StateResume {
			return st, nil
		}
	}
}

// start отправляет всё тело для запланированной записи.
func (c *Client) start(ctx context.Context, f *os.File, id, name string, size int64, hash string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/uploads",
		io.NewSectionReader(f, 0, size))
	if err != nil {
		return err
	}
	req.Header.Set(headerID, id)
	req.Header.Set(headerFilename, name)
	req.Header.Set(headerLength, strconv.FormatInt(size, 10))
	req.Header.Set(headerChecksum, hash)
	req.ContentLength = size

	return c.send(req, http.StatusCreated)
}

// resume отправляет хвост файла с offset.
func (c *Client) resume(ctx context.Context, f *os.File, id string, size, offset int64) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/api/v1/uploads/"+url.PathEscape(id),
		io.NewSectionReader(f, offset, size-offset))
	if err != nil {
		return err
	}
	req.Header.Set(headerLength, strconv.FormatInt(size, 10))
	req.Header.Set(headerOffset, strconv.FormatInt(offset, 10))
	req.ContentLength = size - offset

	return c.send(req, http.StatusOK)
}

func (c *Client) send(req *retryablehttp.Request, want int) error {
	resp, err := c.data.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// resumable решает, имеет ли смысл запрашивать статус после ошибки отправки.
// Транспортные ошибки и 5xx — да; из 4xx только несовпадение длины и занятость.
func resumable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	if apiErr.StatusCode >= 500 {
		return true
	}
	return apiErr.Code == "FIELD_MISMATCH" || apiErr.Code == "JOB_BUSY"
}

// decodeError разбирает тело {"error":{...}}.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return decodeErrorBytes(resp.StatusCode, raw)
}

func decodeErrorBytes(status int, raw []byte) error {
	var body struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Code == "" {
		return &APIError{
			StatusCode: status,
			Code:       http.StatusText(status),
			Message:    string(bytes.TrimSpace(raw)),
		}
	}
	body.Error.StatusCode = status
	return &body.Error
}

func fileHash(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
