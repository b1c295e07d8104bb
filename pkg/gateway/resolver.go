package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/kookgo/kookgo/pkg/api"
)

// ResumePoint identifies where a resumed session continues.
type ResumePoint struct {
	SN        int64
	SessionID string
}

// Resolver returns the WebSocket URL to dial.
type Resolver interface {
	Resolve(ctx context.Context, compress bool, resume *ResumePoint) (string, error)
}

// HTTPResolver asks the REST gateway index for the URL.
type HTTPResolver struct {
	client *api.Client
}

func NewHTTPResolver(client *api.Client) *HTTPResolver {
	return &HTTPResolver{client: client}
}

// GatewayQuery builds the gateway index query string.
func GatewayQuery(compress bool, resume *ResumePoint) url.Values {
	q := url.Values{}
	if compress {
		q.Set("compress", "1")
	} else {
		q.Set("compress", "0")
	}
	if resume != nil {
		q.Set("resume", "1")
		q.Set("sn", strconv.FormatInt(resume.SN, 10))
		q.Set("session_id", resume.SessionID)
	}
	return q
}

func (r *HTTPResolver) Resolve(ctx context.Context, compress bool, resume *ResumePoint) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	resp, err := r.client.Do(ctx, api.GatewayIndex, GatewayQuery(compress, resume), nil, &out)
	if err != nil {
		if api.IsUnauthorized(err) {
			return "", fmt.Errorf("%w: %v", ErrCredentialRejected, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		gre := &GatewayResolutionError{Err: err}
		var se *api.StatusError
		if errors.As(err, &se) {
			gre.Status, gre.Code = se.Status, se.Code
		}
		return "", gre
	}
	if out.URL == "" {
		return "", &GatewayResolutionError{Status: resp.Status, Err: errors.New("empty gateway url")}
	}
	return out.URL, nil
}
