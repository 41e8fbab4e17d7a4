package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// TempShare uploads parts to a TempShare-compatible multipart endpoint.
type TempShare struct {
	endpoint string
	days     int
	maxSize  int64
	client   *http.Client
}

func NewTempShare(endpoint string, days int, maxSize int64, timeout time.Duration) *TempShare {
	if days <= 0 {
		days = 7
	}
	return &TempShare{
		endpoint: endpoint,
		days:     days,
		maxSize:  maxSize,
		client:   &http.Client{Timeout: timeout},
	}
}

type tempShareResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	RawURL  string `json:"raw_url"`
	Error   string `json:"error"`
}

// Upload streams r as the "file" form field.
func (s *TempShare) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if size > s.maxSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", model.ErrUpload, name, size, s.maxSize)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("duration", strconv.Itoa(s.days)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("%w: %v", model.ErrUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("%w: %s: %w", model.ErrUpload, name, err)
	}
	defer resp.Body.Close()

	var body tempShareResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s: %w", model.ErrUpload, name,
			&utils.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: %s: bad response: %v", model.ErrUpload, name, decodeErr)
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "upload failed"
		}
		return "", fmt.Errorf("%w: %s: %s", model.ErrUpload, name, msg)
	}
	if body.URL != "" {
		return body.URL, nil
	}
	if body.RawURL != "" {
		return body.RawURL, nil
	}
	return "", fmt.Errorf("%w: %s: response without url", model.ErrUpload, name)
}

func (s *TempShare) MaxObjectSize() int64 {
	return s.maxSize
}
