package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/jobtalk/internal/config"
	"github.com/ashureev/jobtalk/internal/metrics"
	"github.com/ashureev/jobtalk/internal/session"
	"github.com/ashureev/jobtalk/internal/tools"
	"github.com/ashureev/jobtalk/internal/uistate"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// conn is one relayed client connection and its upstream leg.
type conn struct {
	h        *Handler
	sess     *session.Session
	client   *websocket.Conn
	upstream *websocket.Conn
	limiter  *rate.Limiter
	logger   *slog.Logger

	// outputs counts tool outputs sent upstream since the last response.done.
	// Only the upstream loop touches it.
	outputs int
}

// clientLoop reads client frames, rewrites them and forwards them upstream.
func (c *conn) clientLoop(ctx context.Context) {
	for {
		typ, data, err := c.client.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("Client read error", "error", err)
			}
			c.closeUpstream("client disconnected")
			return
		}
		c.sess.Touch()

		out := data
		if typ == websocket.MessageText {
			out = c.toServer(ctx, data)
		}
		if out == nil {
			continue
		}
		if err := c.upstream.Write(ctx, typ, out); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Upstream write error", "error", err)
				c.closeClient(websocket.StatusTryAgainLater, "backend connection lost")
			}
			return
		}
	}
}

// upstreamLoop reads backend frames, applies the frame policy and forwards
// what is left to the client. Tool calls run inline, so frames after a
// call are never delivered before its output is sent upstream.
func (c *conn) upstreamLoop(ctx context.Context) {
	for {
		typ, data, err := c.upstream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Info("Realtime backend closed the connection", "status", status)
				c.closeClient(websocket.StatusNormalClosure, "backend closed")
			} else {
				c.logger.Warn("Upstream read error", "error", err)
				c.closeClient(websocket.StatusTryAgainLater, "backend connection lost")
			}
			return
		}

		out := data
		if typ == websocket.MessageText {
			out, err = c.toClient(ctx, data)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Upstream write error", "error", err)
					c.closeClient(websocket.StatusTryAgainLater, "backend connection lost")
				}
				return
			}
		}
		if out == nil {
			continue
		}
		if err := c.client.Write(ctx, typ, out); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("Client write error", "error", err)
				c.closeUpstream("client write failed")
			}
			return
		}
	}
}

// toServer applies the client->backend policy. A nil result means the frame
// is not forwarded.
func (c *conn) toServer(ctx context.Context, data []byte) []byte {
	kind, eventType, err := parseKind(data)
	if err != nil {
		c.logger.Warn("Forwarding undecodable client frame", "error", err)
		countFrame(metrics.DirectionToServer, metrics.ActionMalformed)
		return data
	}

	switch kind {
	case KindSessionUpdate:
		out, err := c.h.policy.rewriteSessionUpdate(data)
		if err != nil {
			c.logger.Warn("Forwarding session.update unmodified", "error", err)
			countFrame(metrics.DirectionToServer, metrics.ActionMalformed)
			return data
		}
		countFrame(metrics.DirectionToServer, metrics.ActionRewritten)
		return out
	case KindUIResetState, KindUIManualSearch, KindUISelectJob, KindUIViewSearchResults:
		c.handleUI(ctx, eventType, data)
		return nil
	default:
		// KindOther and backend-only kinds pass through.
		countFrame(metrics.DirectionToServer, metrics.ActionForwarded)
		return data
	}
}

// toClient applies the backend->client policy. A nil result means the frame
// is suppressed. An error means the upstream leg is no longer writable.
func (c *conn) toClient(ctx context.Context, data []byte) ([]byte, error) {
	kind, _, err := parseKind(data)
	if err != nil {
		c.logger.Warn("Forwarding undecodable backend frame", "error", err)
		countFrame(metrics.DirectionToClient, metrics.ActionMalformed)
		return data, nil
	}

	switch kind {
	case KindSessionCreated:
		out, err := c.h.policy.rewriteSessionCreated(data)
		if err != nil {
			c.logger.Warn("Forwarding session.created unmodified", "error", err)
			countFrame(metrics.DirectionToClient, metrics.ActionMalformed)
			return data, nil
		}
		countFrame(metrics.DirectionToClient, metrics.ActionRewritten)
		return out, nil

	case KindOutputItemAdded, KindItemCreated:
		var ev itemEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Forwarding undecodable item event", "error", err)
			countFrame(metrics.DirectionToClient, metrics.ActionMalformed)
			return data, nil
		}
		switch ev.Item.Type {
		case itemFunctionCall:
			if ev.Item.CallID != "" && c.sess.TrackCall(c.client, ev.Item.CallID, ev.PreviousItemID) {
				c.logger.Debug("Tool call announced", "call_id", ev.Item.CallID)
			}
			return c.suppress(), nil
		case itemFunctionOutput:
			return c.suppress(), nil
		}
		return c.forward(data), nil

	case KindArgumentsDelta, KindArgumentsDone:
		return c.suppress(), nil

	case KindOutputItemDone:
		var ev itemEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Forwarding undecodable item event", "error", err)
			countFrame(metrics.DirectionToClient, metrics.ActionMalformed)
			return data, nil
		}
		if ev.Item.Type != itemFunctionCall {
			return c.forward(data), nil
		}
		if err := c.completeCall(ctx, ev.Item); err != nil {
			return nil, err
		}
		return c.suppress(), nil

	case KindResponseDone:
		if err := c.finishTurn(ctx); err != nil {
			return nil, err
		}
		out, stripped, err := stripFunctionCalls(data)
		if err != nil {
			c.logger.Warn("Forwarding response.done unmodified", "error", err)
			countFrame(metrics.DirectionToClient, metrics.ActionMalformed)
			return data, nil
		}
		if stripped {
			countFrame(metrics.DirectionToClient, metrics.ActionRewritten)
			return out, nil
		}
		return c.forward(data), nil

	default:
		// KindOther and client-only kinds pass through.
		return c.forward(data), nil
	}
}

// completeCall dispatches a call whose arguments are complete and sends its
// output upstream. Each call id is dispatched at most once.
func (c *conn) completeCall(ctx context.Context, it item) error {
	logger := c.logger.With("tool", it.Name, "call_id", it.CallID)
	if it.CallID == "" {
		logger.Warn("Ignoring tool call without call id")
		return nil
	}
	call, ok := c.sess.TakeCall(c.client, it.CallID)
	if !ok {
		logger.Warn("Ignoring completion for unknown tool call")
		return nil
	}

	label := it.Name
	if _, known := c.h.tools.Get(it.Name); !known {
		label = "unknown"
	}

	toolCtx, cancel := context.WithTimeout(ctx, c.h.toolTimeout)
	start := time.Now()
	res, callErr := c.h.tools.Dispatch(toolCtx, it.Name, c.sess.Jobs, it.Arguments)
	cancel()
	elapsed := time.Since(start)
	metrics.ToolDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	status := "ok"
	if callErr != nil {
		status = "error"
		logger.Error("Tool execution failed", "error", callErr)
		res = tools.ErrorResult(callErr)
	} else {
		logger.Info("Tool executed", "duration_ms", elapsed.Milliseconds())
	}
	metrics.ToolCallsTotal.WithLabelValues(label, status).Inc()

	if err := writeJSON(ctx, c.upstream, newFunctionOutput(it.CallID, res.Text)); err != nil {
		return fmt.Errorf("send tool output: %w", err)
	}
	c.outputs++

	if callErr == nil && res.Destination == tools.ToClient && c.h.delivery == config.DeliveryDestination {
		ev := toolResponseEvent{
			Type:           typeToolResponse,
			PreviousItemID: call.PreviousItemID,
			ToolName:       it.Name,
			ToolResult:     res.Text,
		}
		if err := writeJSON(ctx, c.client, ev); err != nil {
			logger.Debug("Failed to deliver tool result to client", "error", err)
		}
	}

	c.persist(ctx)
	return nil
}

// finishTurn handles the end of a response. Calls still pending were cut
// off, so they are dropped and a new response is requested. A new response
// is also requested after tool outputs so the model can use them.
func (c *conn) finishTurn(ctx context.Context) error {
	cleared := c.sess.ClearCalls(c.client)
	emitted := c.outputs
	c.outputs = 0

	if cleared == 0 && emitted == 0 {
		return nil
	}
	if cleared > 0 {
		c.logger.Warn("Response done with tool calls still pending, clearing", "pending", cleared)
	}
	if err := writeJSON(ctx, c.upstream, responseCreateEvent{Type: typeResponseCreate}); err != nil {
		return fmt.Errorf("send response.create: %w", err)
	}
	return nil
}

// handleUI applies a UI-only client message to the session.
func (c *conn) handleUI(ctx context.Context, eventType string, data []byte) {
	if !c.limiter.Allow() {
		c.logger.Warn("Dropping UI message over rate limit", "type", eventType)
		countFrame(metrics.DirectionToServer, metrics.ActionLimited)
		return
	}
	countFrame(metrics.DirectionToServer, metrics.ActionUI)
	handleUIMessage(ctx, c.h, c.sess, data, c.logger)
}

// handleUIMessage decodes and applies one UI message, then persists the
// session. Failures are logged; the UI keeps its previous state.
func handleUIMessage(ctx context.Context, h *Handler, sess *session.Session, data []byte, logger *slog.Logger) {
	var msg session.UIMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("Discarding undecodable UI message", "error", err)
		return
	}
	logger.Info("Handling UI message", "type", msg.Type)

	uiCtx, cancel := context.WithTimeout(ctx, h.toolTimeout)
	defer cancel()
	if err := sess.HandleUIMessage(uiCtx, msg); err != nil {
		logger.Warn("UI message failed", "type", msg.Type, "error", err)
		return
	}
	if err := h.sessions.Persist(ctx, sess); err != nil {
		logger.Warn("Failed to persist session", "error", err)
	}
}

// pushState returns a listener that sends every UI snapshot to ws.
func pushState(ws *websocket.Conn) uistate.ListenerFunc {
	return func(ctx context.Context, snap uistate.Snapshot) error {
		return writeJSON(ctx, ws, uiStateEvent{Type: typeUIStateUpdate, Data: snap})
	}
}

func (c *conn) persist(ctx context.Context) {
	if err := c.h.sessions.Persist(ctx, c.sess); err != nil {
		c.logger.Warn("Failed to persist session", "error", err)
	}
}

func (c *conn) suppress() []byte {
	countFrame(metrics.DirectionToClient, metrics.ActionSuppressed)
	return nil
}

func (c *conn) forward(data []byte) []byte {
	countFrame(metrics.DirectionToClient, metrics.ActionForwarded)
	return data
}

// closeClient closes the client leg with code. The client loop then exits.
func (c *conn) closeClient(code websocket.StatusCode, reason string) {
	if err := c.client.Close(code, reason); err != nil {
		c.logger.Debug("Failed to close client websocket", "error", err)
	}
}

// closeUpstream closes the backend leg. The upstream loop then exits.
func (c *conn) closeUpstream(reason string) {
	if err := c.upstream.Close(websocket.StatusNormalClosure, reason); err != nil {
		c.logger.Debug("Failed to close upstream websocket", "error", err)
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

func countFrame(direction, action string) {
	metrics.FramesTotal.WithLabelValues(direction, action).Inc()
}
