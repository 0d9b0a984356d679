/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/retry"
)

const readinessPollInterval = 200 * time.Millisecond

// waitForHost polls the origin of target until it answers with any HTTP status or timeout expires.
func waitForHost(ctx context.Context, client *http.Client, target string, timeout time.Duration, logger log.FieldLogger) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", target, err)
	}
	origin := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead, origin, http.NoBody)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := client.Do(req)
		if doErr != nil {
			return doErr
		}
		return resp.Body.Close()
	}
	notify := func(err error, delay time.Duration) {
		logger.Debug("target host is not ready", log.String("origin", origin),
			log.Error(err), log.Int64("retry_in_ms", delay.Milliseconds()))
	}
	policy := retry.NewConstantBackoffPolicy(readinessPollInterval, 0)
	if err = retry.DoWithRetry(ctx, policy, nil, notify, probe); err != nil {
		return fmt.Errorf("host %s is not ready in %s: %w", origin, timeout, err)
	}
	logger.Info("target host is ready", log.String("origin", origin))
	return nil
}
