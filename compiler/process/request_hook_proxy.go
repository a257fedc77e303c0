package process

import (
	"context"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/compiler/protocol"
)

// RequestHookProxy is the host-side stand-in of a request hook declared in
// the worker. Its events are forwarded to the hook by id.
type RequestHookProxy struct {
	desc requesthook.Descriptor
	p    *CompilerProcess
}

var _ requesthook.Hook = &RequestHookProxy{}

func (p *CompilerProcess) newRequestHookProxy(desc requesthook.Descriptor) *RequestHookProxy {
	return &RequestHookProxy{desc: desc, p: p}
}

// Descriptor returns the descriptor of the proxied hook.
func (h *RequestHookProxy) Descriptor() requesthook.Descriptor {
	return h.desc
}

// OnRequest forwards a request event to the worker.
func (h *RequestHookProxy) OnRequest(ctx context.Context, e *requesthook.RequestEvent) error {
	return h.forward(ctx, requesthook.EventOnRequest, e.TestRunID, e)
}

// OnResponse forwards a response event to the worker.
func (h *RequestHookProxy) OnResponse(ctx context.Context, e *requesthook.ResponseEvent) error {
	return h.forward(ctx, requesthook.EventOnResponse, e.TestRunID, e)
}

func (h *RequestHookProxy) forward(ctx context.Context, name, runID string, e interface{}) error {
	_, err := h.p.t.Send(ctx, protocol.EventRequestHook, &protocol.RequestHookEvent{
		HookID:    h.desc.ID,
		Name:      name,
		TestRunID: runID,
		Event:     e,
	}).Wait(ctx)
	return err
}
