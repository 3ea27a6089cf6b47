package object

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

// CompletedPart identifies one uploaded part when finishing a multipart
// upload.
type CompletedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []CompletedPart `xml:"Part"`
}

// BeginMultipartUpload starts a multipart upload session for the key and
// returns the upload id.
func (c *Client) BeginMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", errors.New("storage client not initialized")
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", apperrors.New(apperrors.CodeValidation, "object key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(key)+"?uploads", nil)
	if err != nil {
		return "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("initiating multipart upload: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}

	var result initiateMultipartResult
	if xmlErr := xml.Unmarshal(body, &result); xmlErr != nil || result.UploadID == "" {
		// some stores answer in JSON
		var alt struct {
			UploadID string `json:"upload_id"`
		}
		if jsonErr := json.Unmarshal(body, &alt); jsonErr != nil || alt.UploadID == "" {
			return "", fmt.Errorf("initiating multipart upload: unreadable response")
		}
		result.UploadID = alt.UploadID
	}
	return result.UploadID, nil
}

// UploadPart sends one part and returns its ETag. Part numbers start at 1.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, size int64, body io.Reader) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", errors.New("storage client not initialized")
	}
	if uploadID == "" {
		return "", apperrors.New(apperrors.CodeValidation, "upload id is required")
	}
	if partNumber < 1 {
		return "", apperrors.New(apperrors.CodeValidation, "part number must be >= 1")
	}

	values := url.Values{}
	values.Set("uploadId", uploadID)
	values.Set("partNumber", strconv.Itoa(partNumber))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.objectURL(strings.TrimLeft(key, "/"))+"?"+values.Encode(), body)
	if err != nil {
		return "", err
	}
	if size > 0 {
		req.ContentLength = size
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("uploading part %d: %s", partNumber, resp.Status)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// CompleteMultipartUpload finishes the upload from its accumulated parts.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if c == nil || c.httpClient == nil {
		return errors.New("storage client not initialized")
	}
	if uploadID == "" {
		return apperrors.New(apperrors.CodeValidation, "upload id is required")
	}
	if len(parts) == 0 {
		return apperrors.New(apperrors.CodeValidation, "at least one part is required")
	}

	payload, err := xml.Marshal(completeMultipartUpload{Parts: parts})
	if err != nil {
		return err
	}

	values := url.Values{}
	values.Set("uploadId", uploadID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.objectURL(strings.TrimLeft(key, "/"))+"?"+values.Encode(), strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("completing multipart upload: %s", resp.Status)
	}
	return nil
}

// AbortMultipartUpload discards an in-flight upload session and any parts
// the store has accepted so far.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if c == nil || c.httpClient == nil {
		return errors.New("storage client not initialized")
	}
	if uploadID == "" {
		return nil
	}

	values := url.Values{}
	values.Set("uploadId", uploadID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.objectURL(strings.TrimLeft(key, "/"))+"?"+values.Encode(), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	drain(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("aborting multipart upload: %s", resp.Status)
	}
	return nil
}
