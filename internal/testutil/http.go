package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/google/go-cmp/cmp"
)

// HTTPTestHelper runs requests against a handler in-process.
type HTTPTestHelper struct {
	Handler http.Handler
}

// NewHTTPTestHelper creates a new HTTP test helper
func NewHTTPTestHelper(handler http.Handler) *HTTPTestHelper {
	return &HTTPTestHelper{Handler: handler}
}

// MakeRequest sends body as JSON when it is non-nil and returns the recorded response.
func (h *HTTPTestHelper) MakeRequest(method, path string, body any) *httptest.ResponseRecorder {
	return h.MakeRequestWithHeaders(method, path, body, nil)
}

// MakeRequestWithHeaders is MakeRequest with extra request headers.
func (h *HTTPTestHelper) MakeRequestWithHeaders(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(fmt.Sprintf("testutil: marshal request body: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rr := httptest.NewRecorder()
	h.Handler.ServeHTTP(rr, req)
	return rr
}

// ParseJSONResponse decodes a recorded response body into target.
func ParseJSONResponse(target any, body *bytes.Buffer) error {
	return json.NewDecoder(body).Decode(target)
}

// AssertJSONResponse compares a JSON body with expected after normalizing both
// through encoding/json, so key order and number formatting do not matter.
func AssertJSONResponse(body *bytes.Buffer, expected any) error {
	var actual any
	if err := json.NewDecoder(body).Decode(&actual); err != nil {
		return err
	}
	data, err := json.Marshal(expected)
	if err != nil {
		return err
	}
	var want any
	if err := json.Unmarshal(data, &want); err != nil {
		return err
	}
	if diff := cmp.Diff(want, actual); diff != "" {
		return fmt.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}
	return nil
}
