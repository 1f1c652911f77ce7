package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/internal/requestutil"
)

// maxManifestBodySize bounds the manifest payload read from a PUT.
const maxManifestBodySize = 4 << 20

// serveJSON marshals v and sets the content-type header to
// 'application/json'. If a different status code is required, call
// ResponseWriter.WriteHeader before this function.
func serveJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return nil
}

// closeResources closes all the provided resources after running the target
// handler.
func closeResources(handler http.Handler, closers ...io.Closer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, closer := range closers {
			defer closer.Close()
		}
		handler.ServeHTTP(w, r)
	})
}

var errPayloadTooLarge = errors.New("payload too large")

// copyFullPayload reads the whole request body, up to limit bytes. A
// client that disconnects mid-request is logged and reported as an error.
func copyFullPayload(ctx *Context, r *http.Request, limit int64, action string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		if clientClosed(ctx) {
			dcontext.GetLogger(ctx).Errorf("client disconnected during %s", action)
			return nil, errors.New("client disconnected")
		}
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	if int64(len(body)) > limit {
		return nil, errPayloadTooLarge
	}
	return body, nil
}

func clientClosed(ctx *Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

var contentRangeRegexp = regexp.MustCompile(`^(?:bytes )?([0-9]+)-([0-9]+)$`)

// parseContentRange parses the Content-Range header of a chunk, in the
// inclusive "start-end" form docker clients send.
func parseContentRange(cr string) (start int64, end int64, err error) {
	matches := contentRangeRegexp.FindStringSubmatch(cr)
	if matches == nil {
		return -1, -1, fmt.Errorf("invalid content range: %q", cr)
	}
	if start, err = strconv.ParseInt(matches[1], 10, 64); err != nil {
		return -1, -1, err
	}
	if end, err = strconv.ParseInt(matches[2], 10, 64); err != nil {
		return -1, -1, err
	}
	if start > end {
		return -1, -1, fmt.Errorf("invalid content range: %q", cr)
	}
	return start, end, nil
}

// createLinkEntry formats the Link header pointing at the next page.
func createLinkEntry(origURL string, n int, last string) (string, error) {
	u, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("n", strconv.Itoa(n))
	q.Set("last", last)
	u.RawQuery = q.Encode()
	return fmt.Sprintf("<%s>; rel=\"next\"", u.String()), nil
}

// parsePageSize reads the n query parameter. A missing value is def and
// anything larger than max is clamped.
func parsePageSize(q url.Values, def, max int) (int, error) {
	v := q.Get("n")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page size %q", v)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// acceptedMediaTypes returns the media types of the Accept headers of r
// without their parameters.
func acceptedMediaTypes(r *http.Request) []string {
	var out []string
	for _, header := range r.Header.Values("Accept") {
		for _, mediaType := range strings.Split(header, ",") {
			mediaType, _, _ = strings.Cut(mediaType, ";")
			if mediaType = strings.TrimSpace(mediaType); mediaType != "" {
				out = append(out, mediaType)
			}
		}
	}
	return out
}

func clientIP(r *http.Request) net.IP {
	return requestutil.ClientIP(r)
}
