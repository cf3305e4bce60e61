package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/protocol"
)

// RegisterMethod installs a handler for an RPC method name, replacing
// any previous handler.
func (n *Node) RegisterMethod(name string, handler Handler) {
	n.mu.Lock()
	n.methods[name] = handler
	n.mu.Unlock()
}

// UnregisterMethod removes a handler.
func (n *Node) UnregisterMethod(name string) {
	n.mu.Lock()
	delete(n.methods, name)
	n.mu.Unlock()
}

func (n *Node) registerBuiltins() {
	n.methods["ping"] = func(remote identity.PublicKey, params json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"pong":      true,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

// dispatchRequest resolves the method registry for an inbound request.
// It runs on a per-request goroutine owned by the session.
func (n *Node) dispatchRequest(remote identity.PublicKey, req *protocol.RequestPayload) (json.RawMessage, *protocol.ResponseError) {
	n.mu.Lock()
	handler, ok := n.methods[req.Method]
	n.mu.Unlock()

	if !ok {
		return nil, &protocol.ResponseError{
			Code:    protocol.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}
	}

	result, err := handler(remote, req.Params)
	if err != nil {
		n.logger.Debug("handler error",
			logging.KeyMethod, req.Method,
			logging.KeyRequestID, req.ID,
			logging.KeyError, err)
		return nil, &protocol.ResponseError{
			Code:    protocol.ErrCodeHandlerError,
			Message: err.Error(),
		}
	}
	return result, nil
}
