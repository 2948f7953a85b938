// Package binance implements the listen-key venue driver: HMAC-signed REST,
// user-data stream addressed by a time-boxed listen key, and the fixed
// status table normalizing venue order states.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradecore/errs"
)

const (
	defaultRestBase = "https://api.binance.com"
	defaultWssBase  = "wss://stream.binance.com:9443"

	// Listen keys expire after 60 minutes without a keepalive; renewing
	// every 20 leaves two full retry windows before expiry.
	listenKeyKeepAlive = 20 * time.Minute
)

// Options configure one binance account connection.
type Options struct {
	APIKey    string
	SecretKey string
	RestBase  string
	WssBase   string
	// Symbol in canonical "BASE/QUOTE" form; the driver strips the slash
	// for the venue wire format.
	Symbol string
	// Timeout bounds each REST call. Zero means 10 seconds.
	Timeout time.Duration
}

func (o Options) restBase() string {
	if o.RestBase != "" {
		return strings.TrimRight(o.RestBase, "/")
	}
	return defaultRestBase
}

func (o Options) wssBase() string {
	if o.WssBase != "" {
		return strings.TrimRight(o.WssBase, "/")
	}
	return defaultWssBase
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 10 * time.Second
}

func (o Options) venueSymbol() string {
	return strings.ToUpper(strings.ReplaceAll(o.Symbol, "/", ""))
}

type client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(opts Options) *client {
	return &client{
		opts: opts,
		http: &http.Client{Timeout: opts.timeout()},
		// Spot REST allows bursts well beyond this; ten requests a second
		// keeps one session far away from the account-level weight caps.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// sign computes the hex HMAC-SHA256 of the urlencoded query.
func (c *client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.opts.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// restCall performs one venue REST request. Signed calls get a timestamp
// parameter and a signature over the full query string.
func (c *client) restCall(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("binance", errs.CodeRequest,
			errs.WithMessage("rate limiter interrupted"), errs.WithCause(err))
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	query := params.Encode()
	if signed {
		// The signature covers the exact query string sent and rides last.
		query += "&signature=" + c.sign(query)
	}

	endpoint := c.opts.restBase() + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return errs.New("binance", errs.CodeRequest,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if c.opts.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New("binance", errs.CodeTransport,
			errs.WithMessage(method+" "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New("binance", errs.CodeTransport,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		var venueErr apiError
		_ = json.Unmarshal(body, &venueErr)
		code := errs.CodeRequest
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			code = errs.CodeRateLimited
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			code = errs.CodeAuth
		}
		return errs.New("binance", code,
			errs.WithMessage(method+" "+path),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(strconv.Itoa(venueErr.Code)),
			errs.WithRawMessage(venueErr.Msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New("binance", errs.CodeProtocol,
			errs.WithMessage("decode "+path+" response"), errs.WithCause(err))
	}
	return nil
}
