package extension

import (
	"context"
	"encoding/json"

	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/extensionrpc"
)

// handleIncoming dispatches a single inbound IPC request from the extension
// (call_extension, list_extensions, event.publish/subscribe/unsubscribe) and
// builds the response to write back to its stdin.
func (p *Process) handleIncoming(req extensionrpc.IncomingRequest, router Router) extensionrpc.ResponseOut {
	switch req.Method {
	case "call_extension":
		return p.handleCallExtension(req, router)
	case "list_extensions":
		return p.handleListExtensions(req, router)
	case "event.publish":
		return p.handleEventPublish(req)
	case "event.subscribe":
		return p.handleEventSubscribe(req)
	case "event.unsubscribe":
		return p.handleEventUnsubscribe(req)
	default:
		return errResponse(req.ID, -32601, "unknown IPC method: "+req.Method)
	}
}

func errResponse(id json.RawMessage, code int64, message string) extensionrpc.ResponseOut {
	return extensionrpc.ResponseOut{
		JSONRPC: "2.0",
		Error:   &extensionrpc.RPCError{Code: code, Message: message},
		ID:      id,
	}
}

func okResponse(id json.RawMessage, result any) extensionrpc.ResponseOut {
	return extensionrpc.ResponseOut{JSONRPC: "2.0", Result: result, ID: id}
}

func (p *Process) handleCallExtension(req extensionrpc.IncomingRequest, router Router) extensionrpc.ResponseOut {
	if router == nil {
		return errResponse(req.ID, -32603, "IPC not available (router not wired)")
	}
	var params struct {
		ExtensionID string `json:"extension_id"`
		Operation   string `json:"operation"`
		Input       any    `json:"input"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.ExtensionID == "" || params.Operation == "" {
		return errResponse(req.ID, -32602, "call_extension requires 'extension_id' and 'operation' params")
	}
	if params.ExtensionID == p.id {
		return errResponse(req.ID, -32000, "extensions may not call themselves")
	}
	result, err := router.Call(p.id, params.ExtensionID, params.Operation, params.Input)
	if err != nil {
		return errResponse(req.ID, -32000, err.Error())
	}
	return okResponse(req.ID, result)
}

func (p *Process) handleListExtensions(req extensionrpc.IncomingRequest, router Router) extensionrpc.ResponseOut {
	if router == nil {
		return errResponse(req.ID, -32603, "IPC not available (router not wired)")
	}
	return okResponse(req.ID, router.ListExtensions())
}

func (p *Process) handleEventPublish(req extensionrpc.IncomingRequest) extensionrpc.ResponseOut {
	p.busMu.Lock()
	bus := p.bus
	p.busMu.Unlock()
	if bus == nil {
		return errResponse(req.ID, -32603, "event bus not available")
	}
	var pr event.PublishRequest
	if err := json.Unmarshal(req.Params, &pr); err != nil {
		return errResponse(req.ID, -32602, "invalid event.publish params: "+err.Error())
	}
	source := "nexus://extension/" + p.id
	e := pr.IntoCloudEvent(source)
	bus.Publish(e)
	return okResponse(req.ID, map[string]any{"event_id": e.ID})
}

func (p *Process) handleEventSubscribe(req extensionrpc.IncomingRequest) extensionrpc.ResponseOut {
	p.busMu.Lock()
	bus := p.bus
	p.busMu.Unlock()
	if bus == nil {
		return errResponse(req.ID, -32603, "event bus not available")
	}
	var params struct {
		TypePattern   string `json:"type_pattern"`
		SourcePattern string `json:"source_pattern"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.TypePattern == "" {
		params.TypePattern = "*"
	}

	subID, ch := bus.Subscribe(params.TypePattern, params.SourcePattern)

	ctx, cancel := context.WithCancel(context.Background())
	p.subsMu.Lock()
	p.subs = append(p.subs, cancel)
	p.subsMu.Unlock()

	go p.deliverEvents(ctx, subID, ch)

	return okResponse(req.ID, map[string]any{"subscription_id": subID})
}

func (p *Process) handleEventUnsubscribe(req extensionrpc.IncomingRequest) extensionrpc.ResponseOut {
	p.busMu.Lock()
	bus := p.bus
	p.busMu.Unlock()
	if bus == nil {
		return errResponse(req.ID, -32603, "event bus not available")
	}
	var params struct {
		SubscriptionID string `json:"subscription_id"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.SubscriptionID == "" {
		return errResponse(req.ID, -32602, "event.unsubscribe requires 'subscription_id' param")
	}
	bus.Unsubscribe(params.SubscriptionID)
	return okResponse(req.ID, map[string]any{"ok": true})
}

// deliverEvents is the background delivery task spawned per subscription:
// it reads events from the bus channel and pushes event.received
// notifications to the extension's stdin until the channel closes (on
// Unsubscribe) or ctx is cancelled (on extension Stop).
func (p *Process) deliverEvents(ctx context.Context, subID string, ch <-chan event.CloudEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			notif := extensionrpc.Notification{
				JSONRPC: "2.0",
				Method:  "event.received",
				Params:  map[string]any{"subscription_id": subID, "event": e},
			}
			p.stdinMu.Lock()
			stdin := p.stdin
			var err error
			if stdin != nil {
				err = extensionrpc.WriteNotification(stdin, notif)
			}
			p.stdinMu.Unlock()
			if stdin == nil || err != nil {
				return
			}
		}
	}
}
