package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Signer produces HMAC-SHA256 REST signatures for exchanges that need an
// authenticated listen-key refresh or account-level subscription request,
// rate-limited to stay under the exchange's REST weight budget.
type Signer struct {
	secret  []byte
	limiter *rate.Limiter
}

// NewSigner constructs a Signer with a steady-state rate of rps requests
// per second and a burst of burst.
func NewSigner(apiSecret string, rps float64, burst int) *Signer {
	return &Signer{
		secret:  []byte(apiSecret),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Sign computes the HMAC-SHA256 hex signature over params, adding a
// timestamp parameter first if one isn't already present, after waiting
// for rate-limiter admission.
func (s *Signer) Sign(ctx context.Context, params url.Values) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if params.Get("timestamp") == "" {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
