package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/retry"
)

const maxResponseSnippet = 512

type Request struct {
	URL    string
	Body   []byte
	Header http.Header
}

type Response struct {
	StatusCode int
	// Body holds at most the first few hundred bytes of the response.
	Body []byte
}

// Sender performs one outbound delivery. Systems with unusual receivers can
// register their own implementation on the engine.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &Response{StatusCode: resp.StatusCode, Body: snippet}, nil
}

// classify turns a send outcome into a failure, or nil on 2xx.
func classify(resp *Response, err error) *retry.Failure {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &retry.Failure{Class: retry.ClassTimeout, ReasonCode: models.ReasonTimeout, Reason: err.Error()}
		}
		return &retry.Failure{Class: retry.ClassNetwork, ReasonCode: models.ReasonNetwork, Reason: err.Error()}
	}

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	f := &retry.Failure{ResponseCode: code, Reason: describeResponse(resp)}
	switch {
	case code == http.StatusTooManyRequests:
		f.Class, f.ReasonCode = retry.ClassTransient, models.ReasonHTTP429
	case code >= 500:
		f.Class, f.ReasonCode = retry.ClassTransient, models.ReasonHTTP5xx
	case code >= 400:
		f.Class, f.ReasonCode = retry.ClassPermanent, models.ReasonHTTP4xx
	default:
		f.Class, f.ReasonCode = retry.ClassOther, models.ReasonOther
	}
	return f
}

func describeResponse(resp *Response) string {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)
}
