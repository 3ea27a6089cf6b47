package object

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kmwilder/proofroom-backend/pkg/config"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

const pingTimeout = 5 * time.Second

// ObjectInfo describes a fetched object.
type ObjectInfo struct {
	Key         string
	ContentType string
	SizeBytes   int64
}

// Client talks to the S3-compatible object store over HTTP.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	bucket        string
	apiKey        string
	signingSecret string
	signedExpiry  time.Duration
	backupDir     string
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewClient builds a storage client and verifies connectivity.
func NewClient(ctx context.Context, cfg config.StorageConfig, logg *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("storage base url is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		bucket:        cfg.Bucket,
		apiKey:        cfg.APIKey,
		signingSecret: cfg.SigningSecret,
		signedExpiry:  cfg.SignedURLExpiry,
		backupDir:     cfg.LocalBackupDir,
	}

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage health check failed: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "storage client initialized")
	}
	return client, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	if c == nil {
		return ""
	}
	return c.bucket
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.httpClient == nil {
		return errors.New("storage client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(""), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("storage bucket check failed: %s", resp.Status)
	}
	return nil
}

// GetStream fetches one object as a stream. The caller owns the returned
// body and must close it.
func (c *Client) GetStream(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if c == nil || c.httpClient == nil {
		return nil, ObjectInfo{}, errors.New("storage client not initialized")
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return nil, ObjectInfo{}, apperrors.New(apperrors.CodeValidation, "object key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return nil, ObjectInfo{}, apperrors.New(apperrors.CodeFileNotFound, fmt.Sprintf("object not found: %s", key))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		drain(resp.Body)
		msg := fmt.Sprintf("storage returned %s", resp.Status)
		if len(body) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(body)))
		}
		return nil, ObjectInfo{}, errors.New(msg)
	}

	info := ObjectInfo{
		Key:         key,
		ContentType: resp.Header.Get("Content-Type"),
		SizeBytes:   resp.ContentLength,
	}
	return resp.Body, info, nil
}

// GetBackup serves an object from the local backup directory. It is the
// degraded path when the object store is unreachable.
func (c *Client) GetBackup(key string) (io.ReadCloser, ObjectInfo, error) {
	if c == nil || c.backupDir == "" {
		return nil, ObjectInfo{}, apperrors.New(apperrors.CodeDependency, "no local backup configured")
	}
	key = strings.TrimLeft(key, "/")
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return nil, ObjectInfo{}, apperrors.New(apperrors.CodeValidation, "invalid object key")
	}

	path := filepath.Join(c.backupDir, filepath.FromSlash(clean))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, apperrors.New(apperrors.CodeFileNotFound, fmt.Sprintf("object not found: %s", key))
		}
		return nil, ObjectInfo{}, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, ObjectInfo{}, err
	}
	return file, ObjectInfo{Key: key, SizeBytes: stat.Size()}, nil
}

// SignURL issues a time-limited URL for direct object access.
func (c *Client) SignURL(key string, now time.Time) (string, error) {
	if c == nil {
		return "", errors.New("storage client not initialized")
	}
	if c.signingSecret == "" {
		return "", errors.New("storage signing secret is not configured")
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", apperrors.New(apperrors.CodeValidation, "object key is required")
	}

	expiry := c.signedExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	expires := now.Add(expiry).Unix()
	sig := c.signature(key, expires)

	values := url.Values{}
	values.Set("expires", strconv.FormatInt(expires, 10))
	values.Set("sig", sig)
	return c.objectURL(key) + "?" + values.Encode(), nil
}

// VerifySignature checks a signed URL's expiry and signature.
func (c *Client) VerifySignature(key string, expires int64, sig string, now time.Time) error {
	if c == nil || c.signingSecret == "" {
		return errors.New("storage signing secret is not configured")
	}
	if now.Unix() > expires {
		return apperrors.New(apperrors.CodeExpiredAccess, "signed url expired")
	}
	expected := c.signature(strings.TrimLeft(key, "/"), expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperrors.New(apperrors.CodeInvalidToken, "signed url signature mismatch")
	}
	return nil
}

func (c *Client) signature(key string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	fmt.Fprintf(mac, "%s/%s:%d", c.bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) objectURL(key string) string {
	base := c.baseURL + "/" + url.PathEscape(c.bucket)
	if key == "" {
		return base
	}
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return base + "/" + strings.Join(parts, "/")
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
