package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/bobarin/adreel/internal/retry"
)

const (
	// Upload timeout per attempt, generous for long final videos
	uploadTimeout = 180 * time.Second
)

// statusError carries the HTTP status of a failed storage call so the retry
// policy can classify it.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.op, e.status, truncate(e.body, 200))
}

func (e *statusError) HTTPStatus() int { return e.status }

// Supabase is a Supabase Storage bucket used as an optional public mirror for
// persisted clips and final videos.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	Prefix     string
	client     *http.Client
	retry      retry.Policy
}

func NewSupabase(url, serviceKey, bucket, prefix string) *Supabase {
	return &Supabase{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		Prefix:     prefix,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: retry.Default(),
	}
}

// ObjectPath returns the bucket-relative path for a filename.
func (s *Supabase) ObjectPath(filename string) string {
	if s.Prefix == "" {
		return filename
	}
	return path.Join(s.Prefix, filename)
}

// Upload uploads a file to Supabase Storage with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert for reliable large file uploads.
func (s *Supabase) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)

	return s.retry.Do(ctx, "storage upload "+objectPath, func(ctx context.Context) error {
		// Each attempt gets its own generous timeout
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, "PUT", url, bytes.NewReader(data))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to upload: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		return &statusError{op: "upload", status: resp.StatusCode, body: string(body)}
	})
}

// UploadFile uploads a file from a local path
func (s *Supabase) UploadFile(ctx context.Context, objectPath, localPath string, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", localPath, err)
	}

	return s.Upload(ctx, objectPath, data, contentType)
}

// GetPublicURL returns the public URL for a file
func (s *Supabase) GetPublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, objectPath)
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
