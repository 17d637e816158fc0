package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"otp-service/internal/model"
)

const bulkPath = "/dev/bulkV2"

type bulkRequest struct {
	Route           string `json:"route"`
	SenderID        string `json:"sender_id,omitempty"`
	Message         string `json:"message,omitempty"`
	VariablesValues string `json:"variables_values"`
	Numbers         string `json:"numbers"`
	EntityID        string `json:"entity_id,omitempty"`
}

type bulkResponse struct {
	Return    *bool       `json:"return"`
	RequestID string      `json:"request_id"`
	Message   flexMessage `json:"message"`
}

// flexMessage accepts both "message": "text" and "message": ["a", "b"].
type flexMessage string

func (m *flexMessage) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = flexMessage(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("message is neither string nor list: %w", err)
	}
	*m = flexMessage(strings.Join(list, "; "))
	return nil
}

// ProviderClient talks to a Fast2SMS-compatible bulk API.
type ProviderClient struct {
	http   *resty.Client
	apiKey string
}

func NewProviderClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) *ProviderClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(_ *resty.Response, err error) bool {
			// Only transport failures are retried; a provider verdict is final.
			return err != nil && !errors.Is(err, context.Canceled)
		})

	return &ProviderClient{http: c, apiKey: apiKey}
}

// Send performs one delivery and normalizes every outcome into a DeliveryResult.
func (p *ProviderClient) Send(ctx context.Context, req bulkRequest) DeliveryResult {
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("authorization", p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(bulkPath)
	if err != nil {
		return DeliveryResult{
			Kind:    model.ReasonNetworkError,
			Message: "failed to reach SMS provider: " + err.Error(),
		}
	}

	return normalize(resp.StatusCode(), resp.Body())
}

func normalize(status int, body []byte) DeliveryResult {
	var parsed bulkResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Return == nil {
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return DeliveryResult{
				Kind:    model.ReasonProviderError,
				Message: fmt.Sprintf("SMS provider returned HTTP %d", status),
			}
		}
		return DeliveryResult{Kind: model.ReasonProviderError, Message: "unexpected provider response"}
	}

	msg := strings.TrimSpace(string(parsed.Message))
	if !*parsed.Return || status < http.StatusOK || status >= http.StatusMultipleChoices {
		if msg == "" {
			msg = fmt.Sprintf("SMS provider rejected the message (HTTP %d)", status)
		}
		return DeliveryResult{Kind: model.ReasonProviderError, Message: msg, RequestID: parsed.RequestID}
	}

	if msg == "" {
		msg = "OTP sent"
	}
	return DeliveryResult{Success: true, Message: msg, RequestID: parsed.RequestID}
}
