package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/monitor"
	"vault-cosigner/pkg/validator"
)

// Client 是 vault API 的最小 HTTP 客户端: 每次调用恰好一次请求，不做重试
type Client struct {
	baseURL string
	http    *http.Client
	metrics *monitor.CosignMetrics
}

// NewClient timeout 为单次请求超时，与轮询节奏无关
func NewClient(baseURL string, timeout time.Duration, metrics *monitor.CosignMetrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// Submit 提交签名请求，body 必须是参与签名的原始 JSON 字符串
func (c *Client) Submit(ctx context.Context, path, accessToken, signature string, timestamp int64, body string) (*TransactionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString(body))
	if err != nil {
		return nil, errno.Wrap(errno.ErrNetwork, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-signature", signature)
	req.Header.Set("x-timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Fetch 按 id 查询交易状态
func (c *Client) Fetch(ctx context.Context, path, accessToken, id string) (*TransactionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, errno.Wrap(errno.ErrNetwork, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*TransactionRecord, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveVaultRequest(req.Method, "network_error")
		return nil, errno.Wrap(errno.ErrNetwork, req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.metrics.ObserveVaultRequest(req.Method, strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, errno.Wrap(errno.ErrNetwork, "read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errno.HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return decodeRecord(raw)
}

func decodeRecord(raw []byte) (*TransactionRecord, error) {
	var rec TransactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errno.Wrap(errno.ErrMalformedResponse, "decode json", err)
	}
	if err := validator.Struct(&rec); err != nil {
		return nil, errno.Newf(errno.ErrMalformedResponse, "%s", validator.GetErrorMsg(err))
	}
	for i, s := range rec.Signatures {
		if s.Data == nil {
			continue
		}
		if _, err := decodeBase64(*s.Data); err != nil {
			return nil, errno.Wrap(errno.ErrMalformedResponse, fmt.Sprintf("signature %d", i), err)
		}
	}
	return &rec, nil
}
