package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(m *MiddlewareManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(m.Use())
	e.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return e
}

func get(e *gin.Engine) int {
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestGuardsSetReplaceRemove(t *testing.T) {
	m := NewManager()
	e := serve(m)
	if code := get(e); code != http.StatusOK {
		t.Fatalf("no guards: %d", code)
	}

	var order []string
	m.Set("a", func(c *gin.Context) { order = append(order, "a") })
	m.Set("b", func(c *gin.Context) { c.AbortWithStatus(http.StatusTeapot) })
	if code := get(e); code != http.StatusTeapot {
		t.Fatalf("abort guard: %d", code)
	}

	m.Set("b", func(c *gin.Context) { order = append(order, "b") })
	if code := get(e); code != http.StatusOK {
		t.Fatalf("replaced guard: %d", code)
	}
	if got := m.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("names = %v", got)
	}
	if !reflect.DeepEqual(order, []string{"a", "a", "b"}) {
		t.Fatalf("order = %v", order)
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Fatal("remove should report presence once")
	}
	if got := m.Names(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("names after remove = %v", got)
	}
}
