package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/client"
	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// httpURL maps the relay's ws(s) endpoint to its http(s) form.
func httpURL(wsURL, path string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid server url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", errors.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// getRelay performs GET path against the relay, retrying connection failures.
func getRelay(ctx context.Context, serverURL, path string, attempts int) ([]byte, error) {
	target, err := httpURL(serverURL, path)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	retry := mpcerrors.DefaultRetryConfig()
	if attempts > 0 {
		retry.MaxAttempts = attempts
	}

	var body []byte
	err = mpcerrors.RetryWithConfig(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return client.ErrConnect.WithCause(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return client.ErrConnect.WithCause(err)
		}
		if resp.StatusCode != http.StatusOK {
			return &client.ConnectError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		body = data
		return nil
	}, retry)
	return body, err
}

// waitForRelay blocks until the relay answers its health check.
func waitForRelay(ctx context.Context, serverURL string, attempts int) error {
	_, err := getRelay(ctx, serverURL, "/health", attempts)
	return errors.Wrap(err, "relay is not reachable")
}

func fetchServerKey(ctx context.Context, serverURL string, attempts int) ([]byte, error) {
	body, err := getRelay(ctx, serverURL, "/public-key", attempts)
	if err != nil {
		return nil, err
	}
	return protocol.ParseHexKey(strings.TrimSpace(string(body)))
}
