package middleware

import (
	"net/http"
	"testing"

	"vmmigrator/pkg/log"

	"github.com/gavv/httpexpect/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedRouter(t *testing.T) (*httpexpect.Expect, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := &log.Logger{Logger: zap.New(core)}

	r := gin.New()
	r.Use(RequestLogMiddleware(logger), ResponseLogMiddleware(logger))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.WithContext(c).Info("handled")
		c.JSON(http.StatusOK, body)
	})

	e := httpexpect.WithConfig(httpexpect.Config{
		Client:   &http.Client{Transport: httpexpect.NewBinder(r)},
		Reporter: httpexpect.NewAssertReporter(t),
	})
	return e, logs
}

func TestRequestLogSetsTraceHeader(t *testing.T) {
	e, logs := newLoggedRouter(t)

	first := e.POST("/echo").WithJSON(map[string]string{"vm": "web-01"}).
		Expect().Status(http.StatusOK)
	first.JSON().Object().HasValue("vm", "web-01")
	trace := first.Header("X-Trace-Id").Raw()
	assert.Len(t, trace, 32)

	second := e.POST("/echo").WithJSON(map[string]string{"vm": "db-01"}).
		Expect().Status(http.StatusOK)
	assert.NotEqual(t, trace, second.Header("X-Trace-Id").Raw())

	handled := logs.FilterMessage("handled").All()
	require.Len(t, handled, 2)
	assert.Equal(t, trace, handled[0].ContextMap()["trace"])
	assert.Equal(t, "/echo", handled[0].ContextMap()["request_url"])
}

func TestRequestLogTruncatesBody(t *testing.T) {
	e, logs := newLoggedRouter(t)
	big := make([]byte, maxLogBody*2)
	for i := range big {
		big[i] = 'a'
	}

	e.POST("/echo").WithJSON(map[string]string{"blob": string(big)}).
		Expect().Status(http.StatusOK)

	requests := logs.FilterMessage("Request").All()
	require.Len(t, requests, 1)
	params, ok := requests[0].ContextMap()["request_params"].(string)
	require.True(t, ok)
	assert.Len(t, params, maxLogBody)

	responses := logs.FilterMessage("Response").All()
	require.Len(t, responses, 1)
	assert.Equal(t, int64(http.StatusOK), responses[0].ContextMap()["status"])
}
