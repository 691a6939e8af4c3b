package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/shpthis/internal/httpx"
	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
)

const (
	DefaultTimeout = 10 * time.Second
	// maxResponseSize keeps a response inside one control message.
	maxResponseSize = 10 << 20
)

// Forwarder replays relay requests against the local service.
type Forwarder struct {
	target  string
	timeout time.Duration
	client  *http.Client
}

func NewForwarder(target string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		target:  target,
		timeout: timeout,
		client: &http.Client{
			// redirects belong to the browser on the other end
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Forward always yields exactly one response message for m.ID, synthesizing
// a 502 when the local service cannot be reached.
func (f *Forwarder) Forward(ctx context.Context, m proto.Message) proto.Message {
	start := time.Now()
	resp, size := f.do(ctx, m)
	resp.Kind = proto.KindResponse
	resp.ID = m.ID

	obs.Info(m.Method+" "+m.Path, obs.Fields{
		"status":   resp.Status,
		"size":     sizestr.ToString(size),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	})
	obs.LocalRequestsTotal.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
	return resp
}

func (f *Forwarder) do(ctx context.Context, m proto.Message) (proto.Message, int64) {
	body, err := proto.DecodeBody(m.Body)
	if err != nil {
		return plain(http.StatusBadRequest, "Bad Request: invalid request body")
	}
	path := m.Path
	if path == "" {
		path = "/"
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, m.Method, "http://"+f.target+path, bytes.NewReader(body))
	if err != nil {
		return plain(http.StatusBadGateway, fmt.Sprintf("Bad Gateway: Could not reach %s (%v)", f.target, err))
	}
	h := httpx.Clone(m.Headers.HTTP())
	httpx.StripPublicHop(h)
	req.Header = h

	res, err := f.client.Do(req)
	if err != nil {
		obs.Debug("local.request", obs.Fields{"target": f.target, "err": err.Error()})
		if errors.Is(err, context.DeadlineExceeded) {
			return plain(http.StatusBadGateway, fmt.Sprintf("Bad Gateway: Could not reach %s (timed out after %s)", f.target, f.timeout))
		}
		return plain(http.StatusBadGateway, "Bad Gateway: Could not reach "+f.target)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize+1))
	if err != nil {
		return plain(http.StatusBadGateway, "Bad Gateway: reading response from "+f.target+" failed")
	}
	if len(payload) > maxResponseSize {
		return plain(http.StatusBadGateway, "Bad Gateway: response too large")
	}
	return proto.Message{
		Status:  res.StatusCode,
		Headers: proto.FromHTTP(httpx.Clone(res.Header)),
		Body:    proto.EncodeBody(payload),
	}, int64(len(payload))
}

func plain(status int, text string) (proto.Message, int64) {
	return proto.Message{
		Status:  status,
		Headers: proto.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:    proto.EncodeBody([]byte(text)),
	}, int64(len(text))
}
