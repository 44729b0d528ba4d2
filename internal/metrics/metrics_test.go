package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservePush(t *testing.T) {
	before := testutil.ToFloat64(PushesTotal.WithLabelValues("newMessage", "dropped"))
	ObservePush("newMessage", false)
	ObservePush("newMessage", true)
	if got := testutil.ToFloat64(PushesTotal.WithLabelValues("newMessage", "dropped")); got != before+1 {
		t.Errorf("dropped = %v, want %v", got, before+1)
	}
}

func TestGinMiddleware_UnmatchedPathLabel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, p := range []string{"/ok", "/random/1", "/random/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues("GET", "/ok", "200")); got < 1 {
		t.Errorf("/ok count = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got < 2 {
		t.Errorf("unmatched count = %v, want >= 2", got)
	}
}
