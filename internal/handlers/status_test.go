package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/repository"
	"hri_monitor/internal/repository/db"
	"hri_monitor/internal/service"

	"github.com/gin-gonic/gin"
)

func TestGetStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "hri.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(`INSERT INTO hri_activation_status (hri_id, preemption_status) VALUES (7, 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := bus.NewMemory(1)
	defer b.Close()
	services := service.NewService(repository.NewRepository(conn, nil), b, service.Options{StoreTimeout: time.Second}, logger.Nop())
	r := NewHandler(services, conn, b, nil).InitRoutes()

	cases := []struct {
		path string
		code int
	}{
		{"/api/v1/hri/7", http.StatusOK},
		{"/api/v1/hri/8", http.StatusNotFound},
		{"/api/v1/hri/x", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.code {
			t.Fatalf("%s: got %d, want %d (body=%s)", tc.path, w.Code, tc.code, w.Body.String())
		}
		if tc.code != http.StatusOK {
			continue
		}
		var out struct {
			HRIID            int64 `json:"hri_id"`
			PreemptionStatus bool  `json:"preemption_status"`
			RBSOperational   bool  `json:"rbs_operational"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.HRIID != 7 || !out.PreemptionStatus || !out.RBSOperational {
			t.Fatalf("unexpected status: %+v", out)
		}
	}
}
