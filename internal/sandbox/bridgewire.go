package sandbox

import (
	"context"
	"errors"

	"github.com/jkaninda/rlm/internal/protocol"
)

// AnswerBridge serves a bridge.llm or bridge.rlm request with b and returns
// the response to send back to the suspended caller.
func AnswerBridge(ctx context.Context, b Bridges, req *protocol.Request) *protocol.Response {
	text, rpcErr := dispatchBridge(ctx, b, req)
	if rpcErr != nil {
		return protocol.NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := protocol.NewResult(req.ID, protocol.BridgeResult{Text: text})
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.Errorf(protocol.CodeInternalError, "%v", err))
	}
	return resp
}

// dispatchBridge routes a bridge request to the matching callback.
func dispatchBridge(ctx context.Context, b Bridges, req *protocol.Request) (string, *protocol.Error) {
	switch req.Method {
	case protocol.MethodBridgeLLM:
		var p protocol.BridgeLLMParams
		if perr := req.DecodeParams(&p); perr != nil {
			return "", perr
		}
		if b.OnLLMQuery == nil {
			return "", protocol.Errorf(protocol.CodeMethodNotFound, "no model bridge configured")
		}
		text, err := b.OnLLMQuery(ctx, p.Prompt)
		if err != nil {
			return "", bridgeError(err)
		}
		return text, nil
	case protocol.MethodBridgeRLM:
		var p protocol.BridgeRLMParams
		if perr := req.DecodeParams(&p); perr != nil {
			return "", perr
		}
		if b.OnRLMQuery == nil {
			return "", protocol.Errorf(protocol.CodeMethodNotFound, "no recursion bridge configured")
		}
		res, err := b.OnRLMQuery(ctx, p.Task, p.Context)
		if err != nil {
			return "", bridgeError(err)
		}
		return res.Answer, nil
	default:
		return "", protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

// depthExceeded is implemented by errors that signal the recursion limit.
type depthExceeded interface{ DepthExceeded() bool }

func bridgeError(err error) *protocol.Error {
	var de depthExceeded
	switch {
	case errors.As(err, &de) && de.DepthExceeded():
		return protocol.Errorf(protocol.CodeDepthExceeded, "%v", err)
	case errors.Is(err, context.Canceled):
		return protocol.Errorf(protocol.CodeCancelled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Errorf(protocol.CodeTimeout, "%v", err)
	default:
		return protocol.Errorf(protocol.CodeInternalError, "%v", err)
	}
}

