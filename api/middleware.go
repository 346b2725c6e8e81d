package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errBodyTooLarge = errors.New("decoded body too large")

// GzipRequestMiddleware transparently inflates gzip-encoded request bodies.
// The inflated stream is capped at maxDecoded bytes; reading past the cap
// fails so handlers reject the body as invalid.
func GzipRequestMiddleware(maxDecoded int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{gz: gr, raw: req.Body, remaining: maxDecoded}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	gz        *gzip.Reader
	raw       io.Closer
	remaining int64
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.gz.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *inflatedBody) Close() error {
	return errors.Join(b.gz.Close(), b.raw.Close())
}
