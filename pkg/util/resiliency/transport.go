package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// Transport wraps an http.RoundTripper with retry-with-backoff, a circuit
// breaker and traceparent header injection, so it composes with callers
// (like the Gmail SDK) that take an *http.Client rather than driving
// requests themselves.
type Transport struct {
	next       http.RoundTripper
	maxRetries int
	breaker    *CircuitBreaker
}

// WrapTransport builds a resilient *http.Client around base (or
// http.DefaultTransport if base is nil), for outbound calls to mail and
// LM providers where a transient 5xx or network blip should not surface
// as a hard failure.
func WrapTransport(base http.RoundTripper, breakerName string) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &Transport{
			next:       base,
			maxRetries: 3,
			breaker:    NewCircuitBreaker(breakerName, 5, 10*time.Second),
		},
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))

	if !t.breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", t.breaker.name)
	}

	var resp *http.Response
	var err error
	for i := 0; i <= t.maxRetries; i++ {
		resp, err = t.next.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 {
			t.breaker.Success()
			return resp, nil
		}
		if i == t.maxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff + jitter)
	}

	t.breaker.Failure()
	return resp, err
}
