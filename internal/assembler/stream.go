package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	gojson "github.com/goccy/go-json"
)

// GraphQLError is one entry of a response's top-level "errors" array.
// Extensions always carries a stable "id" once StampErrorIDs has run,
// so repeated executions against deterministic subgraphs count each
// distinct error exactly once.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []interface{}  `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// IncrementalPayload is one entry of a streamed chunk's "incremental"
// array: the data resolved for a deferred block, rooted at Path.
type IncrementalPayload struct {
	Data   map[string]interface{} `json:"data"`
	Path   []interface{}          `json:"path"`
	Label  string                 `json:"label,omitempty"`
	Errors []GraphQLError         `json:"errors,omitempty"`
}

// Chunk is one response of a streamed (deferred or subscription)
// operation. A non-streamed operation is a single Chunk with HasNext
// unset and no Incremental entries.
type Chunk struct {
	Data        map[string]interface{}
	Errors      []GraphQLError
	Incremental []IncrementalPayload
	HasNext     bool
	// Initial marks the first chunk of a stream: it serializes with a
	// "data" key even when Data is empty, because clients treat the
	// first part's data as the response skeleton.
	Initial bool
}

// MarshalJSON renders the chunk in the incremental-delivery wire shape:
// the initial chunk carries "data" (+"errors"), later chunks carry
// "incremental"; both carry "hasNext".
func (c Chunk) MarshalJSON() ([]byte, error) {
	body := make(map[string]interface{}, 4)
	if c.Initial || c.Data != nil || len(c.Incremental) == 0 {
		if c.Data == nil {
			body["data"] = (map[string]interface{})(nil)
		} else {
			body["data"] = c.Data
		}
	}
	if len(c.Errors) > 0 {
		body["errors"] = c.Errors
	}
	if len(c.Incremental) > 0 {
		body["incremental"] = c.Incremental
	}
	body["hasNext"] = c.HasNext
	return gojson.Marshal(body)
}

// StampErrorIDs assigns each error a deterministic identifier derived
// from its path and message, stored under extensions.id. Stamping is
// idempotent; an already-present id is kept.
func StampErrorIDs(errs []GraphQLError) []GraphQLError {
	for i := range errs {
		if errs[i].Extensions == nil {
			errs[i].Extensions = make(map[string]any, 1)
		}
		if _, ok := errs[i].Extensions["id"]; ok {
			continue
		}
		errs[i].Extensions["id"] = errorID(errs[i])
	}
	return errs
}

func errorID(e GraphQLError) string {
	h := sha256.New()
	for _, p := range e.Path {
		fmt.Fprintf(h, "%v.", p)
	}
	h.Write([]byte{0})
	h.Write([]byte(e.Message))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// MultipartBoundary is the fixed part boundary for streamed responses.
const MultipartBoundary = "graphql"

// DeferContentType is the response content-type for @defer streams per
// the 2022-08-24 incremental delivery specification.
const DeferContentType = `multipart/mixed; boundary="graphql"; deferSpec=20220824`

// SubscriptionContentType is the response content-type for
// subscription streams over multipart.
const SubscriptionContentType = `multipart/mixed; boundary="graphql"; subscriptionSpec="1.0"`

// StreamWriter frames an ordered sequence of chunks as a multipart/mixed
// body. It is single-consumer: WriteChunk calls must be sequential, and
// Close terminates the stream.
type StreamWriter struct {
	mw      *multipart.Writer
	flusher interface{ Flush() }
}

// NewStreamWriter wraps w in a multipart chunk stream. If w also
// implements Flush (an http.ResponseWriter does), every chunk is
// flushed to the client as soon as it is written.
func NewStreamWriter(w io.Writer) (*StreamWriter, error) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(MultipartBoundary); err != nil {
		return nil, fmt.Errorf("assembler: set multipart boundary: %w", err)
	}
	sw := &StreamWriter{mw: mw}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flusher = f
	}
	return sw, nil
}

// WriteChunk appends one chunk as a multipart part with a JSON body.
func (sw *StreamWriter) WriteChunk(c Chunk) error {
	part, err := sw.mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return fmt.Errorf("assembler: create chunk part: %w", err)
	}
	body, err := gojson.Marshal(c)
	if err != nil {
		return fmt.Errorf("assembler: marshal chunk: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return fmt.Errorf("assembler: write chunk: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close terminates the multipart stream.
func (sw *StreamWriter) Close() error {
	if err := sw.mw.Close(); err != nil {
		return fmt.Errorf("assembler: close chunk stream: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// DataAtPath returns the subtree of root addressed by a defer block's
// query path, alias-aware, or nil when the path doesn't resolve to an
// object.
func DataAtPath(root map[string]interface{}, path []string) map[string]interface{} {
	current := root
	for _, seg := range path {
		child, ok := current[seg]
		if !ok {
			return nil
		}
		obj, ok := child.(map[string]interface{})
		if !ok {
			return nil
		}
		current = obj
	}
	return current
}

// PathToInterfaces converts a string path to the []interface{} shape
// GraphQL error/incremental paths use.
func PathToInterfaces(path []string) []interface{} {
	out := make([]interface{}, len(path))
	for i, p := range path {
		out[i] = p
	}
	return out
}

// NonNullPaths walks selections against the composed schema and returns
// the set of dot-joined response paths whose declared field type is
// non-null; PropagateNulls consults it when deciding whether a null may
// rest in place or must bubble.
func NonNullPaths(typeFieldsFn func(typeName string) map[string]string, rootType string, selections []Selection) map[string]bool {
	paths := make(map[string]bool)
	collectNonNullPaths(typeFieldsFn, rootType, selections, "", paths)
	return paths
}

// Selection is the minimal view of an operation selection the null
// propagation walk needs: a response key, a field name, and children.
type Selection struct {
	ResponseKey string
	FieldName   string
	Children    []Selection
}

func collectNonNullPaths(typeFieldsFn func(typeName string) map[string]string, typeName string, selections []Selection, prefix string, out map[string]bool) {
	fields := typeFieldsFn(typeName)
	if fields == nil {
		return
	}
	for _, sel := range selections {
		declared, ok := fields[sel.FieldName]
		if !ok {
			continue
		}
		path := joinPath(prefix, sel.ResponseKey)
		if strings.HasSuffix(declared, "!") {
			out[path] = true
		}
		if len(sel.Children) > 0 {
			collectNonNullPaths(typeFieldsFn, baseTypeName(declared), sel.Children, path, out)
		}
	}
}

func baseTypeName(declared string) string {
	return strings.Trim(declared, "[]!")
}
