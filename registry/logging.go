package registry

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type responseLogger struct {
	http.ResponseWriter
	status int
	size   int
}

func (l *responseLogger) Write(p []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	size, err := l.ResponseWriter.Write(p)
	l.size += size
	return size, err
}

func (l *responseLogger) WriteHeader(status int) {
	if l.status == 0 {
		l.status = status
	}
	l.ResponseWriter.WriteHeader(status)
}

func (l *responseLogger) Flush() {
	if f, ok := l.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (l *responseLogger) Unwrap() http.ResponseWriter {
	return l.ResponseWriter
}

func (l *responseLogger) Status() int {
	if l.status == 0 {
		return http.StatusOK
	}
	return l.status
}

// JSONLoggingHandler returns a http.Handler that wraps h and logs requests
// through logger with the fields of the Combined Log Format.
func JSONLoggingHandler(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rl := &responseLogger{ResponseWriter: w}
		h.ServeHTTP(rl, req)

		logger.WithFields(logrus.Fields{
			"method":     req.Method,
			"path":       req.URL.Path,
			"status":     rl.Status(),
			"size":       rl.size,
			"referer":    req.Referer(),
			"user_agent": req.UserAgent(),
			"remote":     req.RemoteAddr,
			"duration":   time.Since(start).String(),
		}).Info("access")
	})
}
