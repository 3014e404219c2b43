package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"escrowflow/fault"
)

// Client talks to the payment processor's REST API with a bearer secret key.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewClient(baseURL, secret string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type initializeRequest struct {
	Amount    int64             `json:"amount"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Status bool `json:"status"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) InitializeCharge(ctx context.Context, amount int64, reference string, metadata map[string]string) (string, error) {
	var resp initializeResponse
	err := c.post(ctx, "/transaction/initialize", initializeRequest{
		Amount:    amount,
		Reference: reference,
		Metadata:  metadata,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fault.Gateway(fmt.Sprintf("initialize charge %s: %s", reference, resp.Message), nil)
	}
	return resp.Data.AuthorizationURL, nil
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) VerifyCharge(ctx context.Context, reference string) (Charge, error) {
	var resp verifyResponse
	if err := c.get(ctx, "/transaction/verify/"+url.PathEscape(reference), &resp); err != nil {
		return Charge{}, err
	}
	if !resp.Status {
		return Charge{}, fault.Gateway(fmt.Sprintf("verify charge %s: %s", reference, resp.Message), nil)
	}
	return Charge{
		Success: resp.Data.Status == "success",
		Amount:  resp.Data.Amount,
	}, nil
}

type transferRequest struct {
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
}

type transferResponse struct {
	Status bool `json:"status"`
	Data   struct {
		TransferCode string `json:"transfer_code"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) Payout(ctx context.Context, amount int64, destination, reference string) (string, error) {
	var resp transferResponse
	err := c.post(ctx, "/transfer", transferRequest{
		Amount:    amount,
		Recipient: destination,
		Reference: reference,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fault.Gateway(fmt.Sprintf("payout %s: %s", reference, resp.Message), nil)
	}
	return resp.Data.TransferCode, nil
}

type refundRequest struct {
	Transaction string `json:"transaction"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
}

type refundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Refund sends money from the named charge transaction back to the payer.
// The deterministic reference is transmitted so the processor dedupes a
// retried partial refund instead of issuing a second one.
func (c *Client) Refund(ctx context.Context, amount int64, transaction, reference string) error {
	var resp refundResponse
	if err := c.post(ctx, "/refund", refundRequest{Transaction: transaction, Amount: amount, Reference: reference}, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return fault.Gateway(fmt.Sprintf("refund %s: %s", reference, resp.Message), nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Gateway("marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fault.Gateway("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fault.Gateway("build request", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secret)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnw("gateway call failed", "path", req.URL.Path, "err", err)
		return fault.Gateway(fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fault.Gateway("read response", err)
	}
	c.log.Debugw("gateway call", "path", req.URL.Path, "status", resp.StatusCode, "took", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.Gateway(fmt.Sprintf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode), nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.Gateway("decode response", err)
	}
	return nil
}
