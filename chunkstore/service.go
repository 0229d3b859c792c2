package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/natsclient"
)

// Default subjects of the chunk API
const (
	DefaultAPISubject    = "openhim.chunks.api"
	DefaultEventsSubject = "openhim.chunks.events"
	serviceQueue         = "openhim-chunkstore"
)

// Request is a call on the chunk API
type Request struct {
	Action    string          `json:"action"` // "store", "retrieve", "delete"
	Reference string          `json:"reference,omitempty"`
	Kind      string          `json:"kind,omitempty"` // "bytes" decodes Data as base64
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response answers a Request
type Response struct {
	Success   bool            `json:"success"`
	Reference string          `json:"reference,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    int             `json:"status,omitempty"`
}

// Event is published after a body is stored or deleted
type Event struct {
	Type      string         `json:"type"` // "stored", "deleted"
	Reference string         `json:"reference"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Service exposes a Store over NATS request/reply
type Service struct {
	store         *Store
	client        *natsclient.Client
	apiSubject    string
	eventsSubject string
	logger        *slog.Logger
}

// NewService creates the API for store on client. Empty subjects take the
// defaults.
func NewService(store *Store, client *natsclient.Client, apiSubject, eventsSubject string, logger *slog.Logger) *Service {
	if apiSubject == "" {
		apiSubject = DefaultAPISubject
	}
	if eventsSubject == "" {
		eventsSubject = DefaultEventsSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		client:        client,
		apiSubject:    apiSubject,
		eventsSubject: eventsSubject,
		logger:        logger.With("component", "chunk-api"),
	}
}

// Start subscribes to the API subject. The subscription lives until the
// client is closed.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Debug("Subscribing to API subject", "subject", s.apiSubject)
	if err := s.client.Reply(ctx, s.apiSubject, serviceQueue, s.Handle); err != nil {
		return errors.WrapTransient(err, "ChunkService", "Start",
			fmt.Sprintf("subscribe to %s", s.apiSubject))
	}
	return nil
}

// Handle processes one encoded Request and returns the encoded Response
func (s *Service) Handle(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return s.encode(failure(errors.WrapInvalid(err, "ChunkService", "Handle", "decode request")))
	}

	switch req.Action {
	case "store":
		return s.encode(s.handleStore(ctx, req))
	case "retrieve":
		return s.encode(s.handleRetrieve(ctx, req))
	case "delete":
		return s.encode(s.handleDelete(ctx, req))
	default:
		return s.encode(failure(errors.WrapInvalid(fmt.Errorf("unknown action: %s", req.Action),
			"ChunkService", "Handle", "dispatch request")))
	}
}

func (s *Service) handleStore(ctx context.Context, req Request) Response {
	value, err := decodeValue(req)
	if err != nil {
		return failure(err)
	}

	p, err := NewPayload(value)
	if err != nil {
		return failure(err)
	}
	ref, err := s.store.Store(ctx, p)
	if err != nil {
		return failure(err)
	}

	s.publish(Event{
		Type:      "stored",
		Reference: ref.String(),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"kind": p.Kind().String(), "length": p.Len()},
	})
	return Response{Success: true, Reference: ref.String(), Kind: p.Kind().String()}
}

func (s *Service) handleRetrieve(ctx context.Context, req Request) Response {
	ref, err := ParseReference(req.Reference)
	if err != nil {
		return failure(err)
	}
	p, err := s.store.Retrieve(ctx, ref)
	if err != nil {
		return failure(err)
	}

	data, err := json.Marshal(p.Value())
	if err != nil {
		return failure(errors.WrapFatal(err, "ChunkService", "Retrieve", "encode payload"))
	}
	return Response{Success: true, Reference: ref.String(), Kind: p.Kind().String(), Data: data}
}

func (s *Service) handleDelete(ctx context.Context, req Request) Response {
	ref, err := ParseReference(req.Reference)
	if err != nil {
		return failure(err)
	}
	if err := s.store.Delete(ctx, ref); err != nil {
		return failure(err)
	}

	s.publish(Event{Type: "deleted", Reference: ref.String(), Timestamp: time.Now()})
	return Response{Success: true, Reference: ref.String()}
}

// decodeValue turns the request data into a value NewPayload can classify
func decodeValue(req Request) (any, error) {
	if len(req.Data) == 0 {
		return nil, nil
	}
	if req.Kind == KindBytes.String() {
		var b []byte
		if err := json.Unmarshal(req.Data, &b); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrUnsupportedShape, err),
				"ChunkService", "Store", "decode base64 data")
		}
		return b, nil
	}

	var v any
	if err := json.Unmarshal(req.Data, &v); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrUnsupportedShape, err),
			"ChunkService", "Store", "decode data")
	}
	return v, nil
}

func (s *Service) publish(event Event) {
	if s.client == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal event", "error", err)
		return
	}
	if err := s.client.Publish(context.Background(), s.eventsSubject, data); err != nil {
		s.logger.Error("Failed to publish event", "subject", s.eventsSubject, "error", err)
	}
}

func (s *Service) encode(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err)
		return []byte(`{"success":false,"error":"internal error","status":500}`)
	}
	return data
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error(), Status: errors.HTTPStatus(err)}
}

// Client calls a remote chunk API
type Client struct {
	nc      *natsclient.Client
	subject string
}

// NewClient returns a client for the API on subject, or the default subject
func NewClient(nc *natsclient.Client, subject string) *Client {
	if subject == "" {
		subject = DefaultAPISubject
	}
	return &Client{nc: nc, subject: subject}
}

// Call sends req and decodes the response. A response with Success false is
// returned together with an error carrying its message.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ChunkClient", "Call", "encode request")
	}
	reply, err := c.nc.Request(ctx, c.subject, data)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, errors.WrapTransient(err, "ChunkClient", "Call", "decode response")
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%s: %s", req.Action, resp.Error)
	}
	return &resp, nil
}
