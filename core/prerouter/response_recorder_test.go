package prerouter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestRecorderMiddleware verifies that the middleware wraps the standard
// ResponseWriter in a ResponseRecorder and initializes its fields.
func TestRecorderMiddleware(t *testing.T) {
	middleware := NewRecorder()

	var finalHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder, ok := w.(*ResponseRecorder)
		if !ok {
			t.Fatalf("Expected http.ResponseWriter to be a *ResponseRecorder, but it was not")
		}
		if recorder.Status != http.StatusOK {
			t.Errorf("Expected default status to be %d, but got %d", http.StatusOK, recorder.Status)
		}
		if recorder.StartTime.IsZero() {
			t.Error("Expected StartTime to be initialized, but it was a zero value")
		}
		if time.Since(recorder.StartTime) > time.Second {
			t.Errorf("Expected StartTime to be recent, but it was %v", recorder.StartTime)
		}

		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError) // ignored
		w.Write([]byte("hello"))

		if recorder.Status != http.StatusAccepted || recorder.BytesWritten != 5 {
			t.Errorf("recorder = status %d bytes %d", recorder.Status, recorder.BytesWritten)
		}
	})

	rr := httptest.NewRecorder()
	middleware.Execute(finalHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("Expected final status code to be %d, but got %d", http.StatusAccepted, rr.Code)
	}
	if rr.Body.String() != "hello" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestResponseRecorder_ImplicitOK(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := &ResponseRecorder{ResponseWriter: rr, Status: http.StatusOK}
	rec.Write([]byte("x"))
	rec.Flush()

	if !rec.WroteHeader || rec.Status != http.StatusOK {
		t.Errorf("recorder = %+v", rec)
	}
	if !rr.Flushed {
		t.Error("Flush() was not forwarded")
	}
}
