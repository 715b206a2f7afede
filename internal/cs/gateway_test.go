package cs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGatewayClientGet(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"value":     12.5,
			"timestamp": 1700000000.25,
			"connected": true,
			"metadata":  map[string]string{"units": "mm"},
		})
	}))
	defer srv.Close()

	gw := NewGatewayClient(srv.URL, time.Second)
	r, err := gw.Get(context.Background(), "MOTOR:01", "position")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotPath != "/api/v1/pv/MOTOR:01.position" {
		t.Errorf("path = %q", gotPath)
	}
	if r.Value != 12.5 {
		t.Errorf("value = %v", r.Value)
	}
	if r.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", r.Timestamp)
	}
	if r.Metadata["units"] != "mm" {
		t.Errorf("metadata = %v", r.Metadata)
	}
}

func TestGatewayClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/pv/GONE:PV":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/pv/DEAD:PV":
			json.NewEncoder(w).Encode(map[string]any{"connected": false})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	gw := NewGatewayClient(srv.URL, time.Second)

	if _, err := gw.Get(context.Background(), "GONE:PV", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing pv err = %v, want ErrNotFound", err)
	}
	if _, err := gw.Get(context.Background(), "DEAD:PV", ""); !errors.Is(err, ErrDisconnected) {
		t.Errorf("disconnected pv err = %v, want ErrDisconnected", err)
	}
	if _, err := gw.Get(context.Background(), "BROKEN:PV", ""); err == nil {
		t.Error("server error should surface")
	}
}

func TestGatewayClientPut(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	gw := NewGatewayClient(srv.URL, time.Second)
	if err := gw.Put(context.Background(), "VALVE:07", "", "OPEN"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotBody["value"] != "OPEN" {
		t.Errorf("body = %v", gotBody)
	}
}
