package realtime

import (
	"errors"
	"fmt"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/ledger"
	"tradedesk-sync/internal/wire"

	"github.com/rs/zerolog/log"
)

type ackPayload struct {
	OrderID   string `json:"orderId"`
	RequestID string `json:"requestId"`
}

type errorPayload struct {
	RequestID string `json:"requestId"`
	Code      any    `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// OnStatus implements connection.Observer.
func (c *Client) OnStatus(ev connection.StatusEvent) {
	c.health.OnStatus(ev)

	switch {
	case ev.Status == connection.StatusConnected:
		c.notify(NoticeInfo, "Connected", "Real-time data connection established", nil)
	case ev.Status == connection.StatusError && ev.Terminal:
		c.notify(NoticeError, "Connection failed",
			fmt.Sprintf("Failed to reconnect after %d attempts", ev.MaxAttempts), ev.Err)
	case ev.Status == connection.StatusError && ev.Reconnecting:
		c.notify(NoticeWarning, "Connection lost",
			fmt.Sprintf("Reconnecting... (%d/%d)", ev.Attempt, ev.MaxAttempts), ev.Err)
	}
}

// OnFrame implements connection.Observer. Heartbeats go to the health
// monitor; every other frame goes through the store.
func (c *Client) OnFrame(data []byte, receivedAt time.Time) {
	env, err := wire.Decode(data)
	if err != nil {
		c.metrics.DecodeError()
		log.Debug().Err(err).Int("bytes", len(data)).Msg("Discarding malformed frame")
		return
	}
	c.metrics.FrameReceived(env.Type)

	if env.IsControl() {
		c.health.OnHeartbeat(env, receivedAt)
		return
	}

	if env.Type == common.TypeError {
		c.handleApplicationError(env)
		return
	}

	if _, err := c.store.Dispatch(env); err != nil {
		c.metrics.Error()
		log.Warn().Err(err).Str("type", env.Type).Msg("Failed to apply message")
		return
	}

	if env.Type == common.TypeTradeExecuted {
		c.confirm(env)
	}
}

func (c *Client) confirm(env wire.Envelope) {
	var ack ackPayload
	if err := env.DecodePayload(&ack); err != nil {
		return
	}
	id := ack.OrderID
	if id == "" {
		id = ack.RequestID
	}
	if id == "" {
		return
	}
	if _, err := c.ledger.Confirm(id); err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			log.Warn().Err(err).Str("id", id).Msg("Failed to confirm optimistic update")
		}
		return
	}
	log.Debug().Str("id", id).Msg("Optimistic update confirmed")
}

// handleApplicationError surfaces a server error and rolls back the ledger
// entry it names. It is never retried.
func (c *Client) handleApplicationError(env wire.Envelope) {
	var p errorPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Msg("Unreadable error payload")
	}
	appErr := &ApplicationError{RequestID: p.RequestID, Message: p.Message}
	if p.Code != nil {
		appErr.Code = fmt.Sprint(p.Code)
	}
	if appErr.Message == "" {
		appErr.Message = p.Error
	}
	if appErr.Message == "" {
		appErr.Message = "unspecified error"
	}

	c.metrics.Error()
	log.Error().Err(appErr).Str("request_id", appErr.RequestID).Msg("Real-time error")
	c.notify(NoticeError, "Command failed", appErr.Message, appErr)

	if appErr.RequestID == "" {
		return
	}
	e, err := c.ledger.Reject(appErr.RequestID)
	if err != nil {
		return
	}
	c.reconcile(e)
}
