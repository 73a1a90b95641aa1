package holdtestrig

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.viam.com/rdk/logging"
)

func newTestFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.NewTestLogger(t)

	cam := NewCameraManager((&fakeOpener{}).open, 100, logger)
	tr := newTranscoder(1, 100, (&fakeFFmpeg{}).run, logger)
	runs := newRunRegistry(cam, tr, registryOptions{Dir: t.TempDir()}, logger)
	fs := newFeedServer(cam, runs, logger)

	srv := httptest.NewServer(fs.engine)
	t.Cleanup(func() {
		fs.Close(context.Background())
		srv.Close()
		runs.Close(context.Background())
		tr.Close()
	})
	return fs, srv
}

func TestFeedServer_LiveFeedAndRelease(t *testing.T) {
	fs, srv := newTestFeedServer(t)

	resp, err := http.Get(srv.URL + "/camera/feed")
	if err != nil {
		t.Fatalf("GET /camera/feed failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("unexpected content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first part: %v", err)
	}
	if line != "--frame\r\n" {
		t.Errorf("expected boundary, got %q", line)
	}
	if st := fs.camera.State(); st.Refs != 1 || st.Streams != 1 {
		t.Errorf("expected one preview lease, got %+v", st)
	}

	rel, err := http.Post(srv.URL+"/camera/release", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /camera/release failed: %v", err)
	}
	defer rel.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(rel.Body).Decode(&body); err != nil {
		t.Fatalf("decoding release response: %v", err)
	}
	if body["released"] != 1.0 {
		t.Errorf("expected 1 preview released, got %v", body["released"])
	}

	waitFor(t, 2*time.Second, "camera to close", func() bool {
		st := fs.camera.State()
		return st.Refs == 0 && !st.Open
	})
}

func TestFeedServer_Videos(t *testing.T) {
	fs, srv := newTestFeedServer(t)
	dir := fs.runs.store.dir
	if err := os.WriteFile(filepath.Join(dir, "A1_20240301_103000_1.mp4"), []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want int
	}{
		{"/videos/A1_20240301_103000_1.mp4", http.StatusOK},
		{"/videos/missing.mp4", http.StatusNotFound},
		{"/videos/test_logs.json", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("GET %s: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
	}
}

func TestFeedServer_RunPackage(t *testing.T) {
	fs, srv := newTestFeedServer(t)
	rec := finishedRecord()
	if err := fs.runs.store.prepend(rec); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/runs/1709289000000/package")
	if err != nil {
		t.Fatalf("GET package failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("expected attachment, got %q", cd)
	}

	for path, want := range map[string]int{
		"/runs/42/package":          http.StatusNotFound,
		"/runs/abc/package":         http.StatusBadRequest,
		"/runs/1709289000000/video": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}
