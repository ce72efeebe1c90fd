package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Request is one outbound call.
type Request struct {
	Method string
	Path   string // relative to the base URL, or absolute
	Query  url.Values
	Header http.Header
	Body   []byte

	// SuppressErrorPresentation skips the Presenter for this call. It does
	// not change retry or refresh behaviour.
	SuppressErrorPresentation bool

	retried bool
}

// Retried reports whether this request is a replay after a refresh.
func (r *Request) Retried() bool {
	return r.retried
}

func (r *Request) replay() *Request {
	clone := *r
	clone.Header = r.Header.Clone()
	clone.retried = true
	return &clone
}

// NewJSONRequest builds a request with a JSON body.
func NewJSONRequest(method, path string, body any) (*Request, error) {
	req := &Request{Method: method, Path: path, Header: http.Header{}}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Outcome distinguishes successful results the caller may want to branch on.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeConflict is a 409: the server refused the change because of
	// current state (for example a duplicate raffle entry). It is a result,
	// not a failure.
	OutcomeConflict
)

func (o Outcome) String() string {
	if o == OutcomeConflict {
		return "conflict"
	}
	return "ok"
}

// Response is a completed call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Outcome    Outcome
}

// Conflict reports whether the call ended in OutcomeConflict.
func (r *Response) Conflict() bool {
	return r.Outcome == OutcomeConflict
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Get extracts a value from the JSON body by gjson path.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}
