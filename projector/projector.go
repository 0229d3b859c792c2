// Package projector shapes stored transactions for callers outside the core.
//
// Every projection copies an explicit allow-list of fields into the External
// types, which have no field for chunk references. A bodyId can therefore
// never leak through a projection whatever the source document holds.
package projector

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/transaction"
)

// Representation selects how much of a transaction is returned
type Representation string

const (
	// Metadata omits every body
	Metadata Representation = "metadata"
	// Full includes every inline body
	Full Representation = "full"
	// FullTruncate includes bodies cut to the configured threshold
	FullTruncate Representation = "fulltruncate"
)

// ParseRepresentation maps the filterRepresentation query value. The empty
// string selects Metadata.
func ParseRepresentation(s string) (Representation, error) {
	switch Representation(s) {
	case "", Metadata:
		return Metadata, nil
	case Full:
		return Full, nil
	case FullTruncate:
		return FullTruncate, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("unknown representation %q", s),
			"Projector", "ParseRepresentation", "parse filterRepresentation")
	}
}

// IncludesBodies reports whether bodies must be hydrated before rendering
func (r Representation) IncludesBodies() bool {
	return r == Full || r == FullTruncate
}

// Options configures truncation
type Options struct {
	// Threshold is the longest body, in characters, returned untouched.
	// Zero or less disables truncation.
	Threshold int `json:"truncate_size"`
	// Marker is appended to every truncated body
	Marker string `json:"truncate_append"`
}

// DefaultOptions returns the truncation used by the server
func DefaultOptions() Options {
	return Options{Threshold: 15000, Marker: "\n[truncated ...]"}
}

// External is the caller-facing transaction. Request and Response are always
// present, possibly empty.
type External struct {
	ID               string                  `json:"_id,omitempty"`
	ClientID         string                  `json:"clientID,omitempty"`
	ClientIP         string                  `json:"clientIP,omitempty"`
	ParentID         string                  `json:"parentID,omitempty"`
	ChildIDs         []string                `json:"childIDs,omitempty"`
	ChannelID        string                  `json:"channelID,omitempty"`
	Request          ExternalRequest         `json:"request"`
	Response         ExternalResponse        `json:"response"`
	Routes           []ExternalRoute         `json:"routes,omitempty"`
	Orchestrations   []ExternalOrchestration `json:"orchestrations,omitempty"`
	Properties       map[string]any          `json:"properties,omitempty"`
	CanRerun         *bool                   `json:"canRerun,omitempty"`
	AutoRetry        *bool                   `json:"autoRetry,omitempty"`
	AutoRetryAttempt *int                    `json:"autoRetryAttempt,omitempty"`
	WasRerun         *bool                   `json:"wasRerun,omitempty"`
	Error            *transaction.Error      `json:"error,omitempty"`
	Status           string                  `json:"status,omitempty"`
}

// ExternalRequest carries the request allow-list plus the body in full
// representations
type ExternalRequest struct {
	Host        string         `json:"host,omitempty"`
	Port        string         `json:"port,omitempty"`
	Path        string         `json:"path,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Querystring string         `json:"querystring,omitempty"`
	Body        *string        `json:"body,omitempty"`
	Method      string         `json:"method,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

// ExternalResponse carries the response allow-list plus the body in full
// representations
type ExternalResponse struct {
	Status    *int           `json:"status,omitempty"`
	Headers   map[string]any `json:"headers,omitempty"`
	Body      *string        `json:"body,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// ExternalRoute is a projected route
type ExternalRoute struct {
	Name           string                  `json:"name,omitempty"`
	Request        *ExternalRequest        `json:"request,omitempty"`
	Response       *ExternalResponse       `json:"response,omitempty"`
	Orchestrations []ExternalOrchestration `json:"orchestrations,omitempty"`
	Properties     map[string]any          `json:"properties,omitempty"`
	Error          *transaction.Error      `json:"error,omitempty"`
}

// ExternalOrchestration is a projected orchestration
type ExternalOrchestration struct {
	Name     string             `json:"name,omitempty"`
	Group    string             `json:"group,omitempty"`
	Request  *ExternalRequest   `json:"request,omitempty"`
	Response *ExternalResponse  `json:"response,omitempty"`
	Error    *transaction.Error `json:"error,omitempty"`
}

// Projector renders transactions. It holds no state beyond its options and is
// safe for concurrent use.
type Projector struct {
	opts Options
}

// New creates a Projector
func New(opts Options) *Projector {
	return &Projector{opts: opts}
}

// Options returns the truncation settings
func (p *Projector) Options() Options {
	return p.opts
}

// Project returns the metadata view of tx: allow-listed fields only, no
// bodies. A nil transaction projects to nil.
func (p *Projector) Project(tx *transaction.Transaction) *External {
	return p.Render(tx, Metadata)
}

// Render returns tx in representation rep. Full and FullTruncate copy the
// inline bodies of the transaction and of its routes and orchestrations.
// FullTruncate cuts the top-level and orchestration bodies to the configured
// threshold; route bodies are copied whole.
func (p *Projector) Render(tx *transaction.Transaction, rep Representation) *External {
	if tx == nil {
		return nil
	}

	b := bodyPolicy{include: rep.IncludesBodies()}
	if rep == FullTruncate {
		b.threshold, b.marker = p.opts.Threshold, p.opts.Marker
	}

	out := &External{
		ID:               tx.ID,
		ClientID:         tx.ClientID,
		ClientIP:         tx.ClientIP,
		ParentID:         tx.ParentID,
		ChildIDs:         tx.ChildIDs,
		ChannelID:        tx.ChannelID,
		Properties:       tx.Properties,
		CanRerun:         tx.CanRerun,
		AutoRetry:        tx.AutoRetry,
		AutoRetryAttempt: tx.AutoRetryAttempt,
		WasRerun:         tx.WasRerun,
		Error:            tx.Error,
		Status:           tx.Status,
	}
	if req := b.request(tx.Request); req != nil {
		out.Request = *req
	}
	if resp := b.response(tx.Response); resp != nil {
		out.Response = *resp
	}

	whole := bodyPolicy{include: b.include}
	for _, r := range tx.Routes {
		out.Routes = append(out.Routes, ExternalRoute{
			Name:           r.Name,
			Request:        whole.request(r.Request),
			Response:       whole.response(r.Response),
			Orchestrations: b.orchestrations(r.Orchestrations),
			Properties:     r.Properties,
			Error:          r.Error,
		})
	}
	out.Orchestrations = b.orchestrations(tx.Orchestrations)

	return out
}

// RenderAll renders each transaction, keeping order
func (p *Projector) RenderAll(txs []*transaction.Transaction, rep Representation) []*External {
	out := make([]*External, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		out = append(out, p.Render(tx, rep))
	}
	return out
}

// Truncate cuts body to threshold characters and appends marker when body is
// longer than threshold. A threshold of zero or less leaves body untouched.
func Truncate(body string, threshold int, marker string) string {
	if threshold <= 0 || utf8.RuneCountInString(body) <= threshold {
		return body
	}

	n := 0
	for i := range body {
		if n == threshold {
			return body[:i] + marker
		}
		n++
	}
	return body
}

type bodyPolicy struct {
	include   bool
	threshold int
	marker    string
}

func (b bodyPolicy) body(s *string) *string {
	if !b.include || s == nil {
		return nil
	}
	out := Truncate(*s, b.threshold, b.marker)
	return &out
}

func (b bodyPolicy) request(r *transaction.Request) *ExternalRequest {
	if r == nil {
		return nil
	}
	return &ExternalRequest{
		Host:        r.Host,
		Port:        r.Port,
		Path:        r.Path,
		Headers:     r.Headers,
		Querystring: r.Querystring,
		Body:        b.body(r.Body),
		Method:      r.Method,
		Timestamp:   r.Timestamp,
	}
}

func (b bodyPolicy) response(r *transaction.Response) *ExternalResponse {
	if r == nil {
		return nil
	}
	return &ExternalResponse{
		Status:    r.Status,
		Headers:   r.Headers,
		Body:      b.body(r.Body),
		Timestamp: r.Timestamp,
	}
}

func (b bodyPolicy) orchestrations(in []transaction.Orchestration) []ExternalOrchestration {
	if len(in) == 0 {
		return nil
	}
	out := make([]ExternalOrchestration, len(in))
	for i, o := range in {
		out[i] = ExternalOrchestration{
			Name:     o.Name,
			Group:    o.Group,
			Request:  b.request(o.Request),
			Response: b.response(o.Response),
			Error:    o.Error,
		}
	}
	return out
}
