// Package transaction defines the persisted record of one mediated exchange
// and the repository contract used to load and store it.
package transaction

import (
	"time"
)

// Transaction statuses
const (
	StatusProcessing         = "Processing"
	StatusSuccessful         = "Successful"
	StatusCompleted          = "Completed"
	StatusCompletedWithError = "Completed with error(s)"
	StatusFailed             = "Failed"
)

// Transaction is the stored document. Optional scalars are pointers so an
// absent field stays distinguishable from a zero value.
type Transaction struct {
	ID               string          `json:"_id,omitempty"`
	ClientID         string          `json:"clientID,omitempty"`
	ClientIP         string          `json:"clientIP,omitempty"`
	ParentID         string          `json:"parentID,omitempty"`
	ChildIDs         []string        `json:"childIDs,omitempty"`
	ChannelID        string          `json:"channelID,omitempty"`
	Request          *Request        `json:"request,omitempty"`
	Response         *Response       `json:"response,omitempty"`
	Routes           []Route         `json:"routes,omitempty"`
	Orchestrations   []Orchestration `json:"orchestrations,omitempty"`
	Properties       map[string]any  `json:"properties,omitempty"`
	CanRerun         *bool           `json:"canRerun,omitempty"`
	AutoRetry        *bool           `json:"autoRetry,omitempty"`
	AutoRetryAttempt *int            `json:"autoRetryAttempt,omitempty"`
	WasRerun         *bool           `json:"wasRerun,omitempty"`
	Error            *Error          `json:"error,omitempty"`
	Status           string          `json:"status,omitempty"`
}

// Request is the inbound or forwarded HTTP request. Body and BodyID are
// exclusive in storage: bodies are replaced by a chunk reference on write
// and restored by hydration on read.
type Request struct {
	Host        string         `json:"host,omitempty"`
	Port        string         `json:"port,omitempty"`
	Path        string         `json:"path,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Querystring string         `json:"querystring,omitempty"`
	Body        *string        `json:"body,omitempty"`
	BodyID      string         `json:"bodyId,omitempty"`
	Method      string         `json:"method,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

// Response is the HTTP response returned for a Request
type Response struct {
	Status    *int           `json:"status,omitempty"`
	Headers   map[string]any `json:"headers,omitempty"`
	Body      *string        `json:"body,omitempty"`
	BodyID    string         `json:"bodyId,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Route is one downstream destination the transaction was forwarded to
type Route struct {
	Name           string          `json:"name,omitempty"`
	Request        *Request        `json:"request,omitempty"`
	Response       *Response       `json:"response,omitempty"`
	Orchestrations []Orchestration `json:"orchestrations,omitempty"`
	Properties     map[string]any  `json:"properties,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Orchestration is a secondary exchange performed while processing a
// transaction
type Orchestration struct {
	Name     string    `json:"name,omitempty"`
	Group    string    `json:"group,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Error records a failure while processing an exchange
type Error struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// exchanges calls fn for the top-level request and response, then each
// route with its orchestrations, then the top-level orchestrations
func (t *Transaction) exchanges(fn func(*Request, *Response)) {
	fn(t.Request, t.Response)
	for _, r := range t.Routes {
		fn(r.Request, r.Response)
		for _, o := range r.Orchestrations {
			fn(o.Request, o.Response)
		}
	}
	for _, o := range t.Orchestrations {
		fn(o.Request, o.Response)
	}
}

// BodyReferences lists every chunk reference held by the transaction, in
// document order.
func (t *Transaction) BodyReferences() []string {
	if t == nil {
		return nil
	}

	var refs []string
	t.exchanges(func(req *Request, resp *Response) {
		if req != nil && req.BodyID != "" {
			refs = append(refs, req.BodyID)
		}
		if resp != nil && resp.BodyID != "" {
			refs = append(refs, resp.BodyID)
		}
	})
	return refs
}

// ClearBodyReferences drops every BodyID in the document. References are
// only ever assigned by the chunk store, never taken from a caller.
func (t *Transaction) ClearBodyReferences() {
	if t == nil {
		return
	}
	t.exchanges(func(req *Request, resp *Response) {
		if req != nil {
			req.BodyID = ""
		}
		if resp != nil {
			resp.BodyID = ""
		}
	})
}

// ShallowCopy returns a copy whose Request and Response can be modified
// without affecting t. Slices and maps are shared.
func (t *Transaction) ShallowCopy() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.Request != nil {
		req := *t.Request
		out.Request = &req
	}
	if t.Response != nil {
		resp := *t.Response
		out.Response = &resp
	}
	return &out
}
