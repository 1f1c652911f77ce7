package errcode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

// TestErrorCodes ensures that error code format, mappings and
// marshaling/unmarshaling. round trips are stable.
func TestErrorCodes(t *testing.T) {
	if len(errorCodeToDescriptors) == 0 {
		t.Fatal("errors aren't loaded!")
	}

	for ec, desc := range errorCodeToDescriptors {
		if ec != desc.Code {
			t.Fatalf("error code in descriptor isn't correct, %q != %q", ec, desc.Code)
		}

		if idToDescriptors[desc.Value].Code != ec {
			t.Fatalf("error code in idToDesc isn't correct, %q != %q", idToDescriptors[desc.Value].Code, ec)
		}

		if ec.Message() != desc.Message {
			t.Fatalf("ec.Message doesn't match desc.Message: %q != %q", ec.Message(), desc.Message)
		}

		p, err := json.Marshal(ec)
		if err != nil {
			t.Fatalf("couldn't marshal ec %v: %v", ec, err)
		}

		var ecUnspecified interface{}
		if err := json.Unmarshal(p, &ecUnspecified); err != nil {
			t.Fatalf("error unmarshaling error code %v: %v", ec, err)
		}

		if _, ok := ecUnspecified.(string); !ok {
			t.Fatalf("expected a string for error code %v on unmarshal got a %T", ec, ecUnspecified)
		}

		var ecUnmarshaled ErrorCode
		if err := json.Unmarshal(p, &ecUnmarshaled); err != nil {
			t.Fatalf("error unmarshaling error code %v: %v", ec, err)
		}

		if ecUnmarshaled != ec {
			t.Fatalf("unexpected error code during error code marshal/unmarshal: %v != %v", ecUnmarshaled, ec)
		}
	}
}

func TestErrorsEnvelope(t *testing.T) {
	var errs Errors
	errs = append(errs, ErrorCodeManifestUnknown)
	errs = append(errs, ErrorCodeBlobUnknown.WithDetail(map[string]string{"digest": "sha256:abc"}))

	p, err := json.Marshal(errs)
	if err != nil {
		t.Fatalf("error marashaling errors: %v", err)
	}

	expectedJSON := `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"},{"code":"BLOB_UNKNOWN","message":"blob unknown to registry","detail":{"digest":"sha256:abc"}}]}`
	if string(p) != expectedJSON {
		t.Fatalf("unexpected json:\ngot:\n%q\n\nexpected:\n%q", string(p), expectedJSON)
	}

	var unmarshaled Errors
	if err := json.Unmarshal(p, &unmarshaled); err != nil {
		t.Fatalf("unexpected error unmarshaling error envelope: %v", err)
	}

	if !reflect.DeepEqual(unmarshaled[0], ErrorCodeManifestUnknown) {
		t.Fatalf("errors not equal after round trip:\nunmarshaled:\n%#v\n\nerrs:\n%#v", unmarshaled[0], ErrorCodeManifestUnknown)
	}
}

func TestServeJSONStatus(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{ErrorCodeManifestBlobUnknown, http.StatusNotFound},
		{ErrorCodeBlobUploadInvalid.WithDetail("gap"), http.StatusRequestedRangeNotSatisfiable},
		{ErrorCodeUnsupported.WithStatus(http.StatusUnsupportedMediaType).WithDetail("text/plain"), http.StatusUnsupportedMediaType},
		{Errors{ErrorCodeQuotaExceeded, ErrorCodeUnknown}, http.StatusRequestEntityTooLarge},
		{Errors{ErrorCodeDenied.WithStatus(http.StatusMethodNotAllowed)}, http.StatusMethodNotAllowed},
		{http.ErrBodyNotAllowed, http.StatusInternalServerError},
	} {
		rec := httptest.NewRecorder()
		if err := ServeJSON(rec, tc.err); err != nil {
			t.Fatalf("unexpected error serving %v: %v", tc.err, err)
		}
		if rec.Code != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
	}
}
