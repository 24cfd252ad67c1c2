package server

import (
	"compress/gzip"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"inlet/internal/constants"
	"inlet/internal/processor"
	"inlet/pkg/errors"
	"inlet/pkg/health"
	"inlet/pkg/logging"
)

func (s *Server) handleEnvelope(c *gin.Context) {
	projectID := c.Param("project_id")
	ctx := logging.WithProjectID(c.Request.Context(), projectID)
	c.Request = c.Request.WithContext(ctx)

	body, err := s.readBody(c)
	if err != nil {
		s.renderError(c, nil, err)
		return
	}

	req := &processor.Request{
		ProjectID: projectID,
		PublicKey: s.publicKey(c),
		Signature: c.GetHeader(constants.HeaderSignature),
		Body:      body,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Headers:   flattenHeaders(c.Request.Header),
	}

	result, err := s.processor.Process(ctx, req)
	if err != nil {
		s.renderError(c, result, err)
		return
	}

	if result.RateLimit != nil {
		c.Header(constants.HeaderRateLimits, result.RateLimit.HeaderValue())
	}
	c.JSON(http.StatusOK, gin.H{"id": result.EventID})
}

// readBody decodes the request body, transparently inflating gzip, and
// enforces the configured size cap before any parsing happens.
func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	maxBytes := s.config.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = constants.MaxEnvelopeSize
	}

	var reader io.Reader = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	if c.GetHeader("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, errors.ErrMalformed.WithDetail("message", "invalid gzip body")
		}
		defer gz.Close()
		reader = io.LimitReader(gz, maxBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return nil, errors.ErrPayloadTooLarge
		}
		return nil, errors.ErrMalformed.WithCause(err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.ErrPayloadTooLarge
	}
	return body, nil
}

// publicKey pulls the sender key from the dedicated header, with a query
// parameter fallback for clients that cannot set headers.
func (s *Server) publicKey(c *gin.Context) string {
	if key := c.GetHeader(constants.HeaderPublicKey); key != "" {
		return key
	}
	return c.Query("key")
}

func (s *Server) renderError(c *gin.Context, result *processor.Result, err error) {
	status := errors.ToHTTPStatus(err)

	if result != nil && result.RateLimit != nil {
		c.Header(constants.HeaderRateLimits, result.RateLimit.HeaderValue())
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", strconv.FormatInt(int64(result.RateLimit.RetryAfter.Seconds()), 10))
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorwCtx(c.Request.Context(), "envelope request failed",
			"status", status,
			"error", err,
		)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.checkers.Check(c.Request.Context())
	status := http.StatusOK
	if h.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
