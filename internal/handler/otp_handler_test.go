package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/service"
)

type fakeOTPService struct {
	request   service.RequestResult
	verify    service.VerifyResult
	healthErr error

	gotPhone string
	gotCode  string
	gotIP    string
}

func (f *fakeOTPService) RequestOTP(_ context.Context, phone, clientIP string) service.RequestResult {
	f.gotPhone, f.gotIP = phone, clientIP
	return f.request
}

func (f *fakeOTPService) VerifyOTP(_ context.Context, phone, code, clientIP string) service.VerifyResult {
	f.gotPhone, f.gotCode, f.gotIP = phone, code, clientIP
	return f.verify
}

func (f *fakeOTPService) HealthCheck(context.Context) error {
	return f.healthErr
}

var fixedNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

// httptest requests come from 192.0.2.1.
var testProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}

func newTestRouter(svc *fakeOTPService) http.Handler {
	return newTestRouterWithProxies(svc, testProxies)
}

func newTestRouterWithProxies(svc *fakeOTPService, proxies []netip.Prefix) http.Handler {
	h := NewOTPHandler(svc, func() time.Time { return fixedNow }, zap.NewNop())
	return NewRouter(h, config.ServerConfig{
		CORSOrigins:    []string{"https://*"},
		TrustedProxies: proxies,
	}, false, zap.NewNop())
}

func do(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestRequestOTPSuccess(t *testing.T) {
	svc := &fakeOTPService{request: service.RequestResult{Success: true, Message: service.MsgOTPSent, RequestID: "req-1"}}
	router := newTestRouter(svc)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/request", `{"phone":" +911234567890 "}`,
		map[string]string{"X-Forwarded-For": "198.51.100.9"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, service.MsgOTPSent, resp.Message)
	assert.Equal(t, "req-1", resp.Data.(map[string]interface{})["request_id"])
	assert.Equal(t, "+911234567890", svc.gotPhone)
	assert.Equal(t, "198.51.100.9", svc.gotIP)
}

func TestRequestOTPRejectsBadInput(t *testing.T) {
	router := newTestRouter(&fakeOTPService{})

	for _, body := range []string{
		`not json`,
		`{"phone":"911234567890"}`,
		`{"phone":"+91<script>"}`,
		`{"phone":"+1"}`,
		`{"phone":"+911234567890","extra":true}`,
	} {
		rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/request", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, string(model.ReasonInvalidInput), resp.Error, body)
	}
}

func TestVerifyOTPRejectsBadCode(t *testing.T) {
	svc := &fakeOTPService{}
	router := newTestRouter(svc)

	for _, code := range []string{"", "12ab56", "123", "12345678901"} {
		rec, _ := do(t, router, http.MethodPost, "/api/v1/otp/verify",
			`{"phone":"+911234567890","code":"`+code+`"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, code)
	}
	assert.Empty(t, svc.gotCode, "invalid codes never reach the service")
}

func TestVerifyOTPStatusMapping(t *testing.T) {
	until := fixedNow.Add(90 * time.Second)
	cases := []struct {
		reason model.Reason
		status int
	}{
		{model.ReasonInvalidOTP, http.StatusUnauthorized},
		{model.ReasonExpiredOrNotFound, http.StatusGone},
		{model.ReasonAlreadyConsumed, http.StatusConflict},
		{model.ReasonRateLimited, http.StatusTooManyRequests},
		{model.ReasonInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			res := service.VerifyResult{Reason: tc.reason, Message: "nope"}
			if tc.reason == model.ReasonRateLimited {
				res.BlockedUntil = &until
			}
			router := newTestRouter(&fakeOTPService{verify: res})

			rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify",
				`{"phone":"+911234567890","code":"123456"}`, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, string(tc.reason), resp.Error)
			if tc.reason == model.ReasonRateLimited {
				assert.Equal(t, "90", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestVerifyOTPSuccess(t *testing.T) {
	svc := &fakeOTPService{verify: service.VerifyResult{Success: true, Message: service.MsgOTPVerified}}
	router := newTestRouter(svc)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/verify", `{"phone":"+911234567890","code":"123456"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "123456", svc.gotCode)
}

func TestRequestOTPProviderFailure(t *testing.T) {
	svc := &fakeOTPService{request: service.RequestResult{Reason: model.ReasonNetworkError, Message: service.MsgSendFailed}}
	router := newTestRouter(svc)

	rec, resp := do(t, router, http.MethodPost, "/api/v1/otp/request", `{"phone":"+911234567890"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(model.ReasonNetworkError), resp.Error)
}

func TestHealthEndpoint(t *testing.T) {
	svc := &fakeOTPService{}
	router := newTestRouter(svc)

	rec, resp := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	svc.healthErr = errors.New("redis down")
	rec, resp = do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, resp.Error, "redis")
}

type fakeReporter map[string]error

func (f fakeReporter) HealthCheck(context.Context) map[string]error { return f }

func TestHealthEndpointReportsComponents(t *testing.T) {
	svc := &fakeOTPService{}
	h := NewOTPHandler(svc, nil, zap.NewNop()).WithHealthReporter(fakeReporter{
		"kafka":      nil,
		"clickhouse": errors.New("dial tcp 10.0.0.5:9440: connection refused"),
	})
	router := NewRouter(h, config.ServerConfig{}, false, zap.NewNop())

	rec, resp := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "sinks do not decide readiness")
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]interface{}{
		"store":      "ok",
		"kafka":      "ok",
		"clickhouse": "unavailable",
	}, resp.Data)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")

	svc.healthErr = errors.New("scylla down")
	rec, resp = do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", resp.Data.(map[string]interface{})["store"])
}

func TestHTTPSOnly(t *testing.T) {
	h := NewOTPHandler(&fakeOTPService{}, nil, zap.NewNop())
	router := NewRouter(h, config.ServerConfig{}, true, zap.NewNop())

	rec, _ := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	rec, resp := do(t, newTestRouter(&fakeOTPService{}), http.MethodGet, "/api/v1/otp/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
}

func TestForwardedHeadersIgnoredFromUntrustedPeer(t *testing.T) {
	for name, proxies := range map[string][]netip.Prefix{
		"no proxies":    nil,
		"other proxies": {netip.MustParsePrefix("10.0.0.0/8")},
	} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeOTPService{request: service.RequestResult{Success: true}}
			router := newTestRouterWithProxies(svc, proxies)

			for _, spoofed := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
				rec, _ := do(t, router, http.MethodPost, "/api/v1/otp/request", `{"phone":"+911234567890"}`,
					map[string]string{"X-Real-IP": spoofed, "X-Forwarded-For": spoofed})
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, "192.0.2.1", svc.gotIP)
			}
		})
	}
}

func TestForwardedHeadersHonoredFromTrustedProxy(t *testing.T) {
	svc := &fakeOTPService{request: service.RequestResult{Success: true}}
	router := newTestRouter(svc)

	rec, _ := do(t, router, http.MethodPost, "/api/v1/otp/request", `{"phone":"+911234567890"}`,
		map[string]string{"X-Real-IP": "203.0.113.50"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.50", svc.gotIP)
}
