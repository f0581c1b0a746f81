package binanceclient

import (
	"context"
	"time"
)

const maxReconnectDelay = time.Minute

// serveFunc opens one websocket connection. doneC closes when the connection
// ends and closing stopC shuts it down.
type serveFunc func(ctx context.Context) (doneC, stopC chan struct{}, err error)

// supervise keeps a websocket connection open, reconnecting with exponential
// backoff until ctx is canceled, stopCh is closed or the attempts run out.
// doneCh closes once supervision has ended.
func (c *Client) supervise(ctx context.Context, op string, fields map[string]interface{}, serve serveFunc) (doneCh, stopCh chan struct{}) {
	wsCtx, cancelWs := context.WithCancel(ctx)
	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer cancelWs()

		attempt := 0
		for {
			if wsCtx.Err() != nil {
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}

			c.logger.Debug(wsCtx, op+": Attempting WebSocket connection...", withField(fields, "attempt", attempt+1))
			innerDoneCh, innerStopCh, connectErr := serve(wsCtx)
			if connectErr != nil {
				_ = c.handleError(wsCtx, connectErr, op+" connection attempt")
				attempt++
				if attempt >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", withField(fields, "maxAttempts", c.maxReconnectAttempts))
					return
				}

				delay := c.backoff(attempt)
				c.logger.Info(wsCtx, op+": Connection failed, retrying...", withField(fields, "delay", delay.String()))
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.", fields)
			attempt = 0

			select {
			case <-innerDoneCh:
				c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
				select {
				case <-time.After(c.reconnectDelay):
				case <-wsCtx.Done():
					return
				}
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", fields)
				close(innerStopCh)
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			c.logger.Debug(ctx, op+": Received external stop signal.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
	if delay <= 0 || delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
