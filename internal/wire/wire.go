// Package wire defines the JSON frames exchanged between terminals: the
// message envelope carrying outbox rows, the ack/error replies, and the
// inventory reconciliation sub-frames. Message framing itself is the
// transport's concern (one websocket text frame per message); this
// package only owns the shapes.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reply frame types.
const (
	FrameAck               = "ack"
	FrameError             = "error"
	FrameInventoryRequest  = "inventory_request"
	FrameInventoryResponse = "inventory_response"
)

// Envelope is the request frame a sender transmits for one outbox row.
type Envelope struct {
	ID           string          `json:"id"`
	FromTerminal string          `json:"fromTerminal"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Ack acknowledges successful (or already-applied) processing of a single
// message id.
type Ack struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// ErrorReply reports a parse or apply failure; the sender treats it like
// an ack timeout and retries.
type ErrorReply struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// InventoryRequest asks the peer for its full inventory snapshot.
type InventoryRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// InventoryRow is one row of an inventory snapshot.
type InventoryRow struct {
	ProductID     string    `json:"productId"`
	CurrentStock  int64     `json:"currentStock"`
	ReservedStock int64     `json:"reservedStock"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// InventoryResponse carries the peer's inventory snapshot back to the
// requester's reconciler.
type InventoryResponse struct {
	Type        string         `json:"type"`
	RequestID   string         `json:"requestId"`
	Inventory   []InventoryRow `json:"inventory"`
	GeneratedAt time.Time      `json:"generated-at"`
}

// NewAck builds an ack reply for a message id.
func NewAck(messageID string) *Ack {
	return &Ack{Type: FrameAck, MessageID: messageID}
}

// NewErrorReply builds an error reply with the given reason.
func NewErrorReply(reason string) *ErrorReply {
	return &ErrorReply{Type: FrameError, Reason: reason}
}

// NewInventoryRequest builds an inventory_request frame.
func NewInventoryRequest(requestID string) *InventoryRequest {
	return &InventoryRequest{Type: FrameInventoryRequest, RequestID: requestID}
}

// ParseFrame decodes one inbound frame into its concrete type. A frame
// with no "type" field is an Envelope; a frame with an unknown "type" or
// that fails to decode is a protocol error the caller answers with an
// error reply.
func ParseFrame(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}

	switch probe.Type {
	case "":
		if probe.ID == "" {
			return nil, fmt.Errorf("wire: frame has neither type nor id")
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("wire: malformed envelope: %w", err)
		}
		return &env, nil
	case FrameAck:
		var ack Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("wire: malformed ack: %w", err)
		}
		return &ack, nil
	case FrameError:
		var er ErrorReply
		if err := json.Unmarshal(data, &er); err != nil {
			return nil, fmt.Errorf("wire: malformed error reply: %w", err)
		}
		return &er, nil
	case FrameInventoryRequest:
		var req InventoryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("wire: malformed inventory_request: %w", err)
		}
		return &req, nil
	case FrameInventoryResponse:
		var resp InventoryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("wire: malformed inventory_response: %w", err)
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", probe.Type)
	}
}
