// Package okx implements the login venue driver: base64 HMAC request
// signing, a websocket handshake that logs in and confirms channel
// subscriptions before the session is considered up, and raw-deflate frame
// decoding.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradecore/errs"
)

const (
	defaultRestBase = "https://www.okx.com"
	defaultWssURL   = "wss://real.okx.com:8443/ws/v3"
)

// Options configure one okx account connection.
type Options struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	RestBase   string
	WssURL     string
	// Symbol in canonical "BASE/QUOTE" form; the venue uses dash-joined
	// instrument ids.
	Symbol  string
	Timeout time.Duration
}

func (o Options) restBase() string {
	if o.RestBase != "" {
		return strings.TrimRight(o.RestBase, "/")
	}
	return defaultRestBase
}

func (o Options) wssURL() string {
	if o.WssURL != "" {
		return o.WssURL
	}
	return defaultWssURL
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 10 * time.Second
}

func (o Options) instrumentID() string {
	return strings.ToUpper(strings.ReplaceAll(o.Symbol, "/", "-"))
}

type client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(opts Options) *client {
	return &client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.timeout()},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// sign computes base64(HMAC-SHA256(timestamp + method + path + body)).
// The same scheme signs REST requests and the websocket login.
func sign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// restTimestamp formats time the way the venue's REST signature expects.
func restTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// wsTimestamp is the epoch-seconds form used by the websocket login.
func wsTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) restCall(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("okx", errs.CodeRequest,
			errs.WithMessage("rate limiter interrupted"), errs.WithCause(err))
	}
	payload := ""
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.New("okx", errs.CodeInvalid,
				errs.WithMessage("marshal request body"), errs.WithCause(err))
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.restBase()+path, reader)
	if err != nil {
		return errs.New("okx", errs.CodeRequest,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	timestamp := restTimestamp(time.Now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.opts.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(c.opts.SecretKey, timestamp, method, path, payload))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.opts.Passphrase)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New("okx", errs.CodeTransport,
			errs.WithMessage(method+" "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New("okx", errs.CodeTransport,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		var venueErr apiError
		_ = json.Unmarshal(raw, &venueErr)
		code := errs.CodeRequest
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errs.CodeAuth
		}
		return errs.New("okx", code,
			errs.WithMessage(method+" "+path),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(strconv.Itoa(venueErr.Code)),
			errs.WithRawMessage(venueErr.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New("okx", errs.CodeProtocol,
			errs.WithMessage("decode "+path+" response"), errs.WithCause(err))
	}
	return nil
}
