// Package route classifies inbound calls into handler classes.
package route

import (
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// Class identifies the handler that serves a call.
type Class int

const (
	Unmatched Class = iota
	RawUpload
	Batch
	Config
	RESTGet
	RESTMutate
	XML
	SOAP
	GenericGet
	GenericPost
)

var classNames = map[Class]string{
	Unmatched:   "unmatched",
	RawUpload:   "raw_upload",
	Batch:       "batch",
	Config:      "config",
	RESTGet:     "rest_get",
	RESTMutate:  "rest_mutate",
	XML:         "xml",
	SOAP:        "soap",
	GenericGet:  "generic_get",
	GenericPost: "generic_post",
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "unknown"
}

// MethodMerge is the verb the REST API accepts for partial updates.
const MethodMerge = "MERGE"

// Call is the part of an inbound request the classifier looks at.
type Call struct {
	Method      string
	Path        string
	ContentType string
}

// Rule is one row of the classification table.
type Rule struct {
	Name  string
	Match func(Call) bool
	Class Class
}

// Table is evaluated top to bottom; the first matching rule wins.
type Table []Rule

var (
	// Binary upload endpoints. The trailing group allows a parameter list
	// such as add(url='a.txt',overwrite=true).
	rawUploadPattern = regexp.MustCompile(`(?i)/(attachmentfiles/add|files/add|startupload|continueupload|finishupload|savebinarystream)(\(.*\))?/?$`)
	valuePattern     = regexp.MustCompile(`(?i)/\$value/?$`)
	asmxPattern      = regexp.MustCompile(`(?i)/_vti_bin/.*\.asmx$`)
)

// DefaultTable is the classification used by the proxy.
var DefaultTable = Table{
	{Name: "raw upload", Match: isRawUpload, Class: RawUpload},
	{Name: "batch", Match: func(c Call) bool {
		return c.Method == http.MethodPost && strings.HasSuffix(strings.ToLower(c.Path), "/$batch")
	}, Class: Batch},
	{Name: "config", Match: func(c Call) bool {
		return c.Method == http.MethodGet && c.Path == "/config"
	}, Class: Config},
	{Name: "rest get", Match: func(c Call) bool {
		return c.Method == http.MethodGet && underREST(c.Path)
	}, Class: RESTGet},
	{Name: "rest mutate", Match: func(c Call) bool {
		return isMutating(c.Method) && underREST(c.Path)
	}, Class: RESTMutate},
	{Name: "csom", Match: func(c Call) bool {
		return c.Method == http.MethodPost && strings.HasSuffix(strings.ToLower(c.Path), "/_vti_bin/client.svc/processquery")
	}, Class: XML},
	{Name: "soap", Match: func(c Call) bool {
		return c.Method == http.MethodPost && asmxPattern.MatchString(c.Path)
	}, Class: SOAP},
	{Name: "generic get", Match: func(c Call) bool {
		return c.Method == http.MethodGet
	}, Class: GenericGet},
	{Name: "generic post", Match: func(c Call) bool {
		return c.Method == http.MethodPost
	}, Class: GenericPost},
}

// Classify returns the class of the first matching rule, or Unmatched.
// path must not carry a query string.
func (t Table) Classify(method, path, contentType string) Class {
	call := Call{Method: strings.ToUpper(method), Path: path, ContentType: contentType}
	for _, r := range t {
		if r.Match(call) {
			return r.Class
		}
	}
	return Unmatched
}

// Classify classifies with DefaultTable.
func Classify(method, path, contentType string) Class {
	return DefaultTable.Classify(method, path, contentType)
}

func isRawUpload(c Call) bool {
	if c.Method != http.MethodPost {
		return false
	}
	if rawUploadPattern.MatchString(c.Path) || valuePattern.MatchString(c.Path) {
		return true
	}
	return underREST(c.Path) && mediaType(c.ContentType) == "application/octet-stream"
}

func underREST(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/_api/") || strings.HasSuffix(lower, "/_api")
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, MethodMerge:
		return true
	}
	return false
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
