package sdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

// controlCommand is one unit of work for the control handler: either a sink
// registration from an outbound request, or an inbound control frame from
// the reader.
type controlCommand struct {
	register *sinkRegistration
	inbound  map[string]any
}

type sinkRegistration struct {
	requestID string
	sink      chan controlReply
}

type controlReply struct {
	payload map[string]any
	err     error
}

func randomIDSuffix() string {
	return uuid.NewString()[:8]
}

// runControl owns the request correlator. Nobody else touches the pending
// map. On stop every pending sink is closed, which callers observe as
// cancellation.
func (t *Transport) runControl() {
	defer t.wg.Done()

	pending := make(map[string]chan controlReply)

	for {
		select {
		case <-t.stopCh:
			for _, sink := range pending {
				close(sink)
			}
			return

		case cmd := <-t.control:
			switch {
			case cmd.register != nil:
				if old, ok := pending[cmd.register.requestID]; ok {
					log.Warn().Str("requestId", cmd.register.requestID).Msg("duplicate control request id, dropping old sink")
					close(old)
				}
				pending[cmd.register.requestID] = cmd.register.sink

			case cmd.inbound != nil:
				typ, _ := cmd.inbound["type"].(string)
				if typ == "control_response" {
					t.dispatchControlResponse(pending, cmd.inbound)
				} else {
					t.dispatchControlRequest(cmd.inbound)
				}
			}
		}
	}
}

// dispatchControlResponse resolves the matching pending sink, if any.
func (t *Transport) dispatchControlResponse(pending map[string]chan controlReply, frame map[string]any) {
	resp, ok := frame["response"].(map[string]any)
	if !ok {
		log.Warn().Msg("control_response without response object")
		return
	}
	requestID, _ := resp["request_id"].(string)

	sink, ok := pending[requestID]
	if !ok {
		log.Warn().Str("requestId", requestID).Msg("control response for unknown request")
		return
	}
	delete(pending, requestID)

	subtype, _ := resp["subtype"].(string)
	if subtype == "error" {
		msg, _ := resp["error"].(string)
		sink <- controlReply{err: &ControlError{RequestID: requestID, Message: msg}}
		return
	}
	payload, _ := resp["response"].(map[string]any)
	sink <- controlReply{payload: payload}
}

// dispatchControlRequest answers an inbound request from the child. Only
// can_use_tool is supported; everything else gets an error response. A
// request that does not parse is a fatal protocol violation.
func (t *Transport) dispatchControlRequest(frame map[string]any) {
	requestID, idOK := frame["request_id"].(string)
	req, reqOK := frame["request"].(map[string]any)
	if !idOK || !reqOK {
		t.shutdown(StopParseControlRequest, fmt.Errorf("malformed control_request frame"))
		return
	}

	subtype, _ := req["subtype"].(string)
	switch subtype {
	case "can_use_tool":
		if t.opts.CanUseTool == nil {
			t.sendControlError(requestID, "no permission callback configured")
			return
		}
		toolName, _ := req["tool_name"].(string)
		input, _ := req["input"].(map[string]any)
		suggestions, _ := req["permission_suggestions"].([]any)

		// The callback blocks on the client's answer; run it off the
		// handler loop so responses keep flowing meanwhile.
		go func() {
			result, err := t.opts.CanUseTool(t.stopCtx, toolName, input, suggestions)
			if err != nil {
				t.sendControlError(requestID, err.Error())
				return
			}
			t.sendControlSuccess(requestID, result.toResponse())
		}()

	default:
		t.sendControlError(requestID, fmt.Sprintf("unsupported control request subtype: %s", subtype))
	}
}

func (t *Transport) sendControlSuccess(requestID string, payload map[string]any) {
	t.sendControlResponseFrame(map[string]any{
		"subtype":    "success",
		"request_id": requestID,
		"response":   payload,
	})
}

func (t *Transport) sendControlError(requestID string, message string) {
	t.sendControlResponseFrame(map[string]any{
		"subtype":    "error",
		"request_id": requestID,
		"error":      message,
	})
}

func (t *Transport) sendControlResponseFrame(response map[string]any) {
	frame, err := json.Marshal(map[string]any{
		"type":     "control_response",
		"response": response,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal control response")
		return
	}
	if err := t.writeFrame(frame); err != nil {
		log.Warn().Err(err).Msg("failed to send control response")
	}
}

// sendControlRequest issues a host-to-child control request. With await the
// call blocks until the correlated response, cancellation, or ctx expiry;
// without it the reply is drained and discarded in the background.
func (t *Transport) sendControlRequest(ctx context.Context, request map[string]any, await bool) (map[string]any, error) {
	if !t.streaming {
		return nil, ErrNotStreaming
	}

	requestID := t.nextRequestID()
	sink := make(chan controlReply, 1)

	select {
	case t.control <- controlCommand{register: &sinkRegistration{requestID: requestID, sink: sink}}:
	case <-t.stopCh:
		return nil, ErrTransportStopped
	}

	frame, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control request: %w", err)
	}
	if err := t.writeFrame(frame); err != nil {
		return nil, err
	}

	if !await {
		go func() {
			<-sink
		}()
		return nil, nil
	}

	select {
	case reply, ok := <-sink:
		if !ok {
			return nil, ErrTransportStopped
		}
		return reply.payload, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopCh:
		return nil, ErrTransportStopped
	}
}

// Initialize performs the streaming-mode handshake and caches the server's
// supported commands and models.
func (t *Transport) Initialize(ctx context.Context) (*ServerInfo, error) {
	resp, err := t.sendControlRequest(ctx, map[string]any{"subtype": "initialize"}, true)
	if err != nil {
		return nil, err
	}

	info := &ServerInfo{}
	if commands, ok := resp["commands"].([]any); ok {
		info.Commands = commands
	}
	if models, ok := resp["models"].([]any); ok {
		info.Models = models
	}

	t.infoMu.Lock()
	t.info = info
	t.infoMu.Unlock()
	return info, nil
}

// ServerInfo returns the handshake result. Oneshot transports never
// handshake, so the query fails with ErrNoHandshake.
func (t *Transport) ServerInfo() (*ServerInfo, error) {
	if !t.streaming {
		return nil, ErrNoHandshake
	}
	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	if t.info == nil {
		return nil, ErrInfoPending
	}
	return t.info, nil
}

// Interrupt asks the child to abort the current turn.
func (t *Transport) Interrupt(ctx context.Context) error {
	_, err := t.sendControlRequest(ctx, map[string]any{"subtype": "interrupt"}, true)
	return err
}

// SetPermissionMode switches the child's permission mode. Fire and forget.
func (t *Transport) SetPermissionMode(mode PermissionMode) error {
	_, err := t.sendControlRequest(context.Background(), map[string]any{
		"subtype": "set_permission_mode",
		"mode":    string(mode),
	}, false)
	return err
}

// SetModel switches the child's model. Fire and forget.
func (t *Transport) SetModel(model string) error {
	_, err := t.sendControlRequest(context.Background(), map[string]any{
		"subtype": "set_model",
		"model":   model,
	}, false)
	return err
}
