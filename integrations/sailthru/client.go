package sailthru

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"kassette.ai/sailthru-writer/utils/logger"
)

const (
	userAgent      = "Kassette-Sailthru-Writer"
	requestTimeout = 10 * time.Minute
)

// HandleT is a Sailthru API client. Every request is signed with the API secret.
type HandleT struct {
	ApiUrl string
	ApiKey string
	Secret string
	Client *http.Client
}

func (handle *HandleT) Init(apiUrl string, apiKey string, secret string) {
	handle.ApiUrl = strings.TrimRight(apiUrl, "/")
	handle.ApiKey = apiKey
	handle.Secret = secret

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 10
	handle.Client = &http.Client{Transport: transport, Timeout: requestTimeout}

	logger.Info(fmt.Sprintf("Sailthru client initialized for %s", handle.ApiUrl))
}

func (handle *HandleT) ApiGet(ctx context.Context, action string, data json.RawMessage) (*ResponseT, error) {
	return handle.queryRequest(ctx, http.MethodGet, action, data)
}

func (handle *HandleT) ApiDelete(ctx context.Context, action string, data json.RawMessage) (*ResponseT, error) {
	return handle.queryRequest(ctx, http.MethodDelete, action, data)
}

func (handle *HandleT) ApiPost(ctx context.Context, action string, data json.RawMessage) (*ResponseT, error) {
	form := handle.signedParams(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.actionUrl(action), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return handle.do(req)
}

// ApiPostMultipart posts data with the file at filePath attached as fileParam.
// The file is not part of the signature.
func (handle *HandleT) ApiPostMultipart(ctx context.Context, action string, data json.RawMessage, fileParam string, filePath string) (*ResponseT, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	params := handle.signedParams(data)
	for _, key := range []string{"api_key", "format", "json", "sig"} {
		if err := mw.WriteField(key, params.Get(key)); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile(fileParam, filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.actionUrl(action), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return handle.do(req)
}

func (handle *HandleT) queryRequest(ctx context.Context, method string, action string, data json.RawMessage) (*ResponseT, error) {
	req, err := http.NewRequestWithContext(ctx, method, handle.actionUrl(action), nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = handle.signedParams(data).Encode()
	return handle.do(req)
}

func (handle *HandleT) do(req *http.Request) (*ResponseT, error) {
	req.Header.Set("User-Agent", userAgent)

	logger.Debug(fmt.Sprintf("Sailthru request: %s %s", req.Method, req.URL.Path))
	resp, err := handle.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sailthru %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sailthru %s %s: read response: %w", req.Method, req.URL.Path, err)
	}
	return &ResponseT{StatusCode: resp.StatusCode, Body: body}, nil
}

func (handle *HandleT) actionUrl(action string) string {
	return handle.ApiUrl + "/" + strings.TrimLeft(action, "/")
}

func (handle *HandleT) signedParams(data json.RawMessage) url.Values {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	params := url.Values{}
	params.Set("api_key", handle.ApiKey)
	params.Set("format", "json")
	params.Set("json", string(data))
	params.Set("sig", Signature(handle.Secret, params))
	return params
}

// Signature is the md5 hex digest of the secret followed by the sorted parameter values.
func Signature(secret string, params url.Values) string {
	var values []string
	for key, vals := range params {
		if key == "sig" {
			continue
		}
		values = append(values, vals...)
	}
	sort.Strings(values)
	sum := md5.Sum([]byte(secret + strings.Join(values, "")))
	return hex.EncodeToString(sum[:])
}
