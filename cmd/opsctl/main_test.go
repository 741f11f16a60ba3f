package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"result":{"sessionId":"rem-123"},"meta":{}}`))
	}))
	defer srv.Close()

	result, err := getJSON(srv.URL+"/v1/sessions/rem-123", time.Second)
	if err != nil {
		t.Fatalf("getJSON() error = %v", err)
	}
	if !strings.Contains(string(result), "rem-123") {
		t.Errorf("result = %s, want to contain rem-123", result)
	}
}

func TestGetJSONServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":{"code":"VALIDATION_ERROR","message":"session not found"},"meta":{}}`))
	}))
	defer srv.Close()

	_, err := getJSON(srv.URL+"/v1/sessions/missing", time.Second)
	if err == nil {
		t.Fatal("getJSON() expected error")
	}
	if !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("error = %v, want to contain VALIDATION_ERROR", err)
	}
}

func TestGetJSONNonEnvelopeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	_, err := getJSON(srv.URL, time.Second)
	if err == nil {
		t.Fatal("getJSON() expected error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want to contain status 502", err)
	}
}

func TestSessionHelpMatchesServerValues(t *testing.T) {
	usage := sessionListCmd.Flags().Lookup("status").Usage
	for _, status := range []string{"active", "awaiting_user_approval", "finished", "error"} {
		if !strings.Contains(usage, status) {
			t.Errorf("--status usage = %q, want to mention %q", usage, status)
		}
	}
	if strings.Contains(usage, "failed") {
		t.Errorf("--status usage = %q, mentions %q which the server never returns", usage, "failed")
	}

	if strings.Contains(sessionGetCmd.Long, "rem_") {
		t.Errorf("session get help shows underscore-delimited IDs; real IDs use a dash prefix")
	}
}

func TestPrintJSONRejectsGarbage(t *testing.T) {
	if err := printJSON([]byte("not json")); err == nil {
		t.Fatal("printJSON() expected error")
	}
}
