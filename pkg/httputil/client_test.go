package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostJSONSuccess(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), DeliveryClient(), srv.URL, "secret-token", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestPostJSONNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := PostJSON(context.Background(), DeliveryClient(), srv.URL, "", []byte(`[]`)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestPostJSONOmitsAuthWhenEmpty(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization") != ""
	}))
	defer srv.Close()

	if err := PostJSON(context.Background(), DeliveryClient(), srv.URL, "", []byte(`[]`)); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if sawAuth {
		t.Error("Authorization header sent despite empty bearer")
	}
}

func TestDeliveryClientReused(t *testing.T) {
	if DeliveryClient() != DeliveryClient() {
		t.Error("DeliveryClient() returned distinct instances")
	}
	if DeliveryClient().Transport != sharedTransport {
		t.Error("DeliveryClient() does not use the shared transport")
	}
}
