package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"volumeqa/internal/models"
	"volumeqa/pkg/config"
	"volumeqa/pkg/fit"
	"volumeqa/pkg/service"
)

type testServer struct {
	svc     *service.Service
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	svc, err := service.NewFromConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to build service: %v", err)
	}
	srv, err := New(svc, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	return &testServer{svc: svc, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s: response is not a JSON object: %q", method, path, rec.Body.String())
	}
	return rec, decoded
}

// pngBytes returns a 3x2 gray PNG as a JSON-friendly list of byte values
func pngBytes(t *testing.T, value uint8) []int {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = value + uint8(i)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	out := make([]int, buf.Len())
	for i, b := range buf.Bytes() {
		out[i] = int(b)
	}
	return out
}

// putPeakVolume stores a 1x4x30 volume with a Gaussian peak along x
func putPeakVolume(t *testing.T, svc *service.Service) {
	t.Helper()
	shape := models.Shape{Depth: 1, Height: 4, Width: 30}
	raw := make([]float64, shape.Voxels())
	for i := range raw {
		raw[i] = fit.Gaussian(float64(i%shape.Width), 80, 15, 2.5, 10)
	}
	if _, err := svc.Store().Put("peak", raw, shape, "test", 1); err != nil {
		t.Fatalf("Failed to store volume: %v", err)
	}
}

// TestUploadAndProject verifies the upload to projection round trip
func TestUploadAndProject(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/load-dicom-files", map[string]interface{}{
		"files": []map[string]interface{}{
			{"name": "slice_1.png", "data": pngBytes(t, 10)},
			{"name": "slice_2.png", "data": pngBytes(t, 20)},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	id, _ := body["cache_id"].(string)
	if id == "" || body["success"] != true || body["num_files"] != float64(2) {
		t.Fatalf("Unexpected load response %v", body)
	}
	shape, _ := body["shape"].([]interface{})
	if len(shape) != 3 || shape[0] != float64(2) || shape[1] != float64(2) || shape[2] != float64(3) {
		t.Errorf("Expected shape [2 2 3], got %v", body["shape"])
	}

	rec, body = ts.do(t, http.MethodPost, "/api/get-projection", map[string]interface{}{
		"cache_id":      id,
		"projection":    "sagittal",
		"slice_idx":     1,
		"window_center": 20,
		"window_width":  10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	if img, _ := body["image"].(string); !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("Expected a PNG data URL, got %.40q", img)
	}
	if body["max_slices"] != float64(2) {
		t.Errorf("Expected 2 sagittal slices, got %v", body["max_slices"])
	}
	planeShape, _ := body["shape"].([]interface{})
	if len(planeShape) != 2 || planeShape[0] != float64(2) || planeShape[1] != float64(3) {
		t.Errorf("Expected plane shape [2 3], got %v", body["shape"])
	}
}

// TestBase64Upload verifies file data may be sent as base64
func TestBase64Upload(t *testing.T) {
	ts := newTestServer(t)

	raw := pngBytes(t, 1)
	data := make([]byte, len(raw))
	for i, v := range raw {
		data[i] = byte(v)
	}
	rec, body := ts.do(t, http.MethodPost, "/api/load-dicom-files", map[string]interface{}{
		"files": []map[string]interface{}{{"name": "1.png", "data": data}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
}

// TestUploadValidation verifies the upload envelope is still checked
func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body interface{}
	}{
		{"missing name", map[string]interface{}{
			"files": []map[string]interface{}{{"data": []int{1, 2}}}}},
		{"missing data", map[string]interface{}{
			"files": []map[string]interface{}{{"name": "1.png"}}}},
		{"data not bytes", map[string]interface{}{
			"files": []map[string]interface{}{{"name": "1.png", "data": 12}}}},
		{"byte out of range", map[string]interface{}{
			"files": []map[string]interface{}{{"name": "1.png", "data": []int{1, 300}}}}},
		{"fractional byte", map[string]interface{}{
			"files": []map[string]interface{}{{"name": "1.png", "data": []float64{1, 2.5}}}}},
		{"files not an array", map[string]interface{}{"files": "1.png"}},
		{"malformed", `{"files": [`},
	}

	for _, tc := range cases {
		rec, body := ts.do(t, http.MethodPost, "/api/load-dicom-files", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d (%v)", tc.name, rec.Code, body)
		}
	}
}

// TestDecodeUploadLargeArray verifies byte-array uploads are decoded without
// building a generic value per byte
func TestDecodeUploadLargeArray(t *testing.T) {
	cfg := config.DefaultConfig()
	svc, err := service.NewFromConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to build service: %v", err)
	}
	srv, err := New(svc, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}

	const size = 1 << 20
	var buf bytes.Buffer
	buf.WriteString(`{"files": [{"name": "big.dcm", "data": [`)
	for i := 0; i < size; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(i % 256))
	}
	buf.WriteString(`]}]}`)
	body := buf.Bytes()

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	var req loadFilesRequest
	err = srv.decodeUpload(bytes.NewReader(body), &req)

	runtime.ReadMemStats(&after)
	if err != nil {
		t.Fatalf("Failed to decode upload: %v", err)
	}
	if len(req.Files) != 1 || len(req.Files[0].Data) != size {
		t.Fatalf("Expected one file of %d bytes, got %d files", size, len(req.Files))
	}
	if req.Files[0].Name != "big.dcm" || req.Files[0].Data[257] != 1 {
		t.Errorf("Unexpected decoded file %q (byte 257 = %d)", req.Files[0].Name, req.Files[0].Data[257])
	}

	// a per-byte generic decode costs several hundred MiB here
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 200<<20 {
		t.Errorf("Expected under 200 MiB allocated for a %d byte upload, got %d MiB", size, allocated>>20)
	}
}

// TestErrorMapping verifies status codes and stages of failures
func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	putPeakVolume(t, ts.svc)

	cases := []struct {
		name   string
		path   string
		body   interface{}
		status int
		stage  string
	}{
		{"unknown volume", "/api/get-projection",
			map[string]interface{}{"cache_id": "nope", "projection": "axial"}, http.StatusNotFound, "lookup"},
		{"invalid axis", "/api/get-projection",
			map[string]interface{}{"cache_id": "peak", "projection": "oblique"}, http.StatusBadRequest, "extraction"},
		{"index out of range", "/api/get-projection",
			map[string]interface{}{"cache_id": "peak", "projection": "axial", "slice_idx": 3}, http.StatusBadRequest, "extraction"},
		{"zero window", "/api/get-projection",
			map[string]interface{}{"cache_id": "peak", "projection": "axial", "window_center": 1, "window_width": 0}, http.StatusBadRequest, "extraction"},
		{"missing field", "/api/gaussian-profile",
			map[string]interface{}{"cache_id": "peak", "projection": "axial"}, http.StatusBadRequest, ""},
		{"malformed json", "/api/mtf-analysis", "{", http.StatusBadRequest, ""},
		{"empty roi", "/api/gaussian-profile",
			map[string]interface{}{"cache_id": "peak", "projection": "axial", "slice_idx": 0,
				"roi": map[string]float64{"x1": 5, "y1": 1, "x2": 5, "y2": 3}}, http.StatusBadRequest, "sampling"},
		{"short line", "/api/mtf-analysis",
			map[string]interface{}{"cache_id": "peak", "projection": "axial", "slice_idx": 0,
				"roi": map[string]float64{"x1": 2, "y1": 2, "x2": 2.5, "y2": 2}}, http.StatusBadRequest, "sampling"},
		{"no files", "/api/load-dicom-files",
			map[string]interface{}{"files": []interface{}{}}, http.StatusBadRequest, ""},
		{"missing path", "/api/load-dicom",
			map[string]interface{}{"path": filepath.Join(t.TempDir(), "absent")}, http.StatusNotFound, "ingestion"},
	}

	for _, tc := range cases {
		rec, body := ts.do(t, http.MethodPost, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Errorf("%s: expected %d, got %d (%v)", tc.name, tc.status, rec.Code, body)
			continue
		}
		if msg, _ := body["error"].(string); msg == "" {
			t.Errorf("%s: expected an error message, got %v", tc.name, body)
		}
		stage, _ := body["stage"].(string)
		if stage != tc.stage {
			t.Errorf("%s: expected stage %q, got %q", tc.name, tc.stage, stage)
		}
	}
}

// TestGaussianProfile verifies the fit response fields
func TestGaussianProfile(t *testing.T) {
	ts := newTestServer(t)
	putPeakVolume(t, ts.svc)

	rec, body := ts.do(t, http.MethodPost, "/api/gaussian-profile", map[string]interface{}{
		"cache_id":   "peak",
		"projection": "axial",
		"slice_idx":  0,
		"roi":        map[string]float64{"x1": 0, "y1": 0, "x2": 30.7, "y2": 4},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}

	params, _ := body["params"].(map[string]interface{})
	if params["type"] != "peak" {
		t.Errorf("Expected a peak fit, got %v", body["params"])
	}
	if center, _ := body["center"].(float64); center < 14.99 || center > 15.01 {
		t.Errorf("Expected center 15, got %v", body["center"])
	}
	if xs, _ := body["x_data"].([]interface{}); len(xs) != 30 {
		t.Errorf("Expected 30 samples, got %d", len(xs))
	}
	roi, _ := body["roi"].(map[string]interface{})
	if roi["x2"] != float64(30) || roi["y2"] != float64(4) {
		t.Errorf("Unexpected resolved roi %v", roi)
	}
	if attempts, _ := body["attempts"].([]interface{}); len(attempts) != 2 {
		t.Errorf("Expected two attempts, got %v", body["attempts"])
	}
}

// TestMTFAnalysis verifies the MTF response fields
func TestMTFAnalysis(t *testing.T) {
	ts := newTestServer(t)
	putPeakVolume(t, ts.svc)

	rec, body := ts.do(t, http.MethodPost, "/api/mtf-analysis", map[string]interface{}{
		"cache_id":   "peak",
		"projection": "axial",
		"slice_idx":  0,
		"roi":        map[string]float64{"x1": 0, "y1": 1, "x2": 20, "y2": 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}

	profile, _ := body["profile"].([]interface{})
	mtf, _ := body["mtf"].([]interface{})
	freqs, _ := body["frequencies"].([]interface{})
	if len(profile) != 21 || len(mtf) != 10 || len(freqs) != 10 {
		t.Errorf("Unexpected lengths profile=%d mtf=%d freqs=%d", len(profile), len(mtf), len(freqs))
	}
	line, _ := body["line"].(map[string]interface{})
	if line["x2"] != float64(20) {
		t.Errorf("Unexpected line %v", line)
	}
}

// TestVolumesEndpoints verifies listing and eviction over HTTP
func TestVolumesEndpoints(t *testing.T) {
	ts := newTestServer(t)
	putPeakVolume(t, ts.svc)

	rec, body := ts.do(t, http.MethodGet, "/api/volumes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if volumes, _ := body["volumes"].([]interface{}); len(volumes) != 1 {
		t.Errorf("Expected one volume, got %v", body["volumes"])
	}

	if rec, _ := ts.do(t, http.MethodDelete, "/api/volumes/peak", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", rec.Code)
	}
	if rec, _ := ts.do(t, http.MethodDelete, "/api/volumes/peak", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", rec.Code)
	}
}

// TestBrowse verifies the directory tree endpoint
func TestBrowse(t *testing.T) {
	ts := newTestServer(t)
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "series"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "series", "IM1.dcm"), nil, 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	rec, body := ts.do(t, http.MethodPost, "/api/browse", map[string]string{"path": root})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, body)
	}
	tree, _ := body["tree"].([]interface{})
	if len(tree) != 1 {
		t.Fatalf("Expected one entry, got %v", body["tree"])
	}
	folder, _ := tree[0].(map[string]interface{})
	if folder["type"] != "folder" || len(folder["children"].([]interface{})) != 1 {
		t.Errorf("Unexpected folder %v", folder)
	}

	if rec, _ := ts.do(t, http.MethodPost, "/api/browse", map[string]string{"path": filepath.Join(root, "x")}); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing path, got %d", rec.Code)
	}
}

// TestVersionAndCORS verifies the version endpoint and CORS headers
func TestVersionAndCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	req.Header.Set("Origin", "http://viewer.example")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Errorf("Expected a CORS allow-origin header")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode version: %v", err)
	}
	if body["version"] != Version.String() {
		t.Errorf("Expected version %s, got %v", Version, body["version"])
	}
}
