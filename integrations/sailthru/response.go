package sailthru

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"kassette.ai/sailthru-writer/misc"
)

const maxErrorBodyLen = 1000

// ResponseT is the outcome of one API call that reached the server. Transport failures are
// returned as errors by the calls instead.
type ResponseT struct {
	StatusCode int
	Body       []byte
}

type ErrorT struct {
	Code    int64
	Message string
}

// IsOk reports a 2xx status with a JSON body that carries no "error" key.
func (r *ResponseT) IsOk() bool {
	if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusMultipleChoices {
		return false
	}
	if !gjson.ValidBytes(r.Body) {
		return false
	}
	return !gjson.GetBytes(r.Body, "error").Exists()
}

func (r *ResponseT) GetError() ErrorT {
	if r.IsOk() {
		return ErrorT{}
	}
	if gjson.ValidBytes(r.Body) {
		errmsg := gjson.GetBytes(r.Body, "errormsg")
		if errmsg.Exists() {
			return ErrorT{Code: gjson.GetBytes(r.Body, "error").Int(), Message: errmsg.String()}
		}
	}
	body := strings.TrimSpace(misc.TruncateStr(string(r.Body), maxErrorBodyLen))
	if body == "" {
		body = http.StatusText(r.StatusCode)
	}
	return ErrorT{Message: fmt.Sprintf("HTTP %d: %s", r.StatusCode, body)}
}

func (r *ResponseT) GetBody() []byte {
	return r.Body
}

// Get reads a field of the JSON body.
func (r *ResponseT) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}
