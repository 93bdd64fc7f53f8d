package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netmigrate/config"
	"netmigrate/middleware"
	"netmigrate/models"
	"netmigrate/services"
)

type testServer struct {
	handler http.Handler
	calls   *atomic.Int32
}

// converterStub copies every input into the output subtree, prefixing the
// body so tests can tell converted files from inputs.
func converterStub(calls *atomic.Int32, exitCode int) services.RunnerFunc {
	return func(_ context.Context, _ string, args []string) (services.ProcessOutput, error) {
		calls.Add(1)
		if exitCode != 0 {
			return services.ProcessOutput{Stderr: []byte("wicked2nm: unsupported setting"), ExitCode: exitCode}, nil
		}
		var dir string
		for i, a := range args {
			if a == "-v" {
				dir = strings.SplitN(args[i+1], ":", 2)[0]
			}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return services.ProcessOutput{}, err
		}
		out := filepath.Join(dir, services.OutputDirName, services.ConnectionsDirName)
		if err := os.MkdirAll(out, 0o700); err != nil {
			return services.ProcessOutput{}, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			b, _ := os.ReadFile(filepath.Join(dir, e.Name()))
			_ = os.WriteFile(filepath.Join(out, e.Name()+".nmconnection"), append([]byte("nm:"), b...), 0o600)
		}
		return services.ProcessOutput{Stderr: []byte("done")}, nil
	}
}

func newTestServer(t *testing.T, exitCode int) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	ledger, err := services.OpenLedger(config.DriverSQLite, filepath.Join(dir, "ledger.db"), nil, logger)
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	workspaces, err := services.NewWorkspaces(filepath.Join(dir, "ws"), logger)
	if err != nil {
		t.Fatalf("NewWorkspaces failed: %v", err)
	}

	calls := &atomic.Int32{}
	exec := services.NewExecutor(services.ExecutorConfig{Runtime: "podman", Image: "example/wicked2nm", Timeout: time.Minute},
		converterStub(calls, exitCode), workspaces, logger)
	metrics := services.NewMetrics()

	app := &App{
		Submitter:      services.NewMigrator(services.NewClassifier(nil), workspaces, exec, ledger, metrics, logger),
		Retriever:      services.NewRetrieval(ledger, workspaces, metrics, logger),
		Health:         ledger,
		MaxUploadBytes: 1 << 20,
		Logger:         logger,
	}
	return &testServer{handler: NewRouter(app, nil, nil), calls: calls}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type upload struct {
	name, contentType, body string
}

func multipartRequest(t *testing.T, path string, files ...upload) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		disposition := `form-data; name="files[]"`
		if f.name != "" {
			disposition += `; filename="` + f.name + `"`
		}
		h.Set("Content-Disposition", disposition)
		if f.contentType != "" {
			h.Set("Content-Type", f.contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart failed: %v", err)
		}
		_, _ = part.Write([]byte(f.body))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSubmitJSONAndRetrieveOnce(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	rec := s.do(multipartRequest(t, "/json",
		upload{name: "ifcfg-eth0", contentType: "text/plain", body: "BOOTPROTO=dhcp"},
		upload{name: "ifcfg-eth1", contentType: "text/plain", body: "BOOTPROTO=static"},
	))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/json/") {
		t.Fatalf("unexpected redirect %q", location)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, location, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res models.RecordsResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if res.Log != "done" || len(res.Files) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Files[0].FileName != "ifcfg-eth0.nmconnection" || res.Files[0].FileContent != "nm:BOOTPROTO=dhcp" {
		t.Fatalf("unexpected first file %+v", res.Files[0])
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, location, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second retrieval, got %d", rec.Code)
	}
}

func TestSubmitRawRedirectsToArchive(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	rec := s.do(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("<interface><name>eth0</name></interface>")))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/tar/") {
		t.Fatalf("unexpected redirect %q", location)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, location, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-tar" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("nm:<interface>")) {
		t.Fatal("archive lacks converted content")
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []upload
		want  string
	}{
		{
			name: "mixed types",
			files: []upload{
				{name: "wicked.xml", contentType: "text/xml", body: "<interface/>"},
				{name: "ifcfg-eth0", contentType: "text/plain", body: "BOOTPROTO=dhcp"},
			},
			want: "not uniform",
		},
		{
			name:  "unrecognized type",
			files: []upload{{name: "photo", contentType: "image/png", body: "x"}},
			want:  "unrecognized",
		},
		{
			name:  "missing content type",
			files: []upload{{name: "ifcfg-eth0", body: "x"}},
			want:  "type missing",
		},
		{
			name:  "missing file name",
			files: []upload{{contentType: "text/plain", body: "x"}},
			want:  "file name missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, 0)
			rec := s.do(multipartRequest(t, "/multipart", tt.files...))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("expected body to mention %q, got %q", tt.want, rec.Body.String())
			}
			if n := s.calls.Load(); n != 0 {
				t.Fatalf("converter invoked %d times", n)
			}
		})
	}
}

func TestSubmitConverterRejection(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 1)
	rec := s.do(multipartRequest(t, "/multipart", upload{name: "wicked.xml", contentType: "text/xml", body: "<bad"}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if rec.Body.String() != "wicked2nm: unsupported setting" {
		t.Fatalf("expected converter log as body, got %q", rec.Body.String())
	}
}

func TestSubmitTooLarge(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	rec := s.do(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2<<20))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if s.calls.Load() != 0 {
		t.Fatal("converter ran for an oversized body")
	}
}

type failingRetriever struct{ err error }

func (f failingRetriever) RetrieveArchive(context.Context, string) ([]byte, error) {
	return nil, f.err
}

func (f failingRetriever) RetrieveRecords(context.Context, string) (models.RecordsResult, error) {
	return models.RecordsResult{}, f.err
}

func TestServerErrorsDoNotLeakDetail(t *testing.T) {
	t.Parallel()

	app := &App{
		Retriever: failingRetriever{err: errors.Join(models.ErrPackaging, errors.New("open /var/secret/path: permission denied"))},
		Logger:    zerolog.Nop(),
	}
	rec := httptest.NewRecorder()
	NewRouter(app, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tar/abc", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "/var/secret") {
		t.Fatalf("internal detail leaked: %q", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitTruncatedMultipart(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"files[]\"; filename=\"ifcfg-eth0\"\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"BOOTPROTO=dhcp"
	req := httptest.NewRequest(http.MethodPost, "/multipart", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=XYZ")

	rec := s.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "malformed upload") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if s.calls.Load() != 0 {
		t.Fatal("converter ran for a truncated upload")
	}
}

func TestSubmitMultipartTooLarge(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, 0)
	rec := s.do(multipartRequest(t, "/multipart", upload{name: "wicked.xml", contentType: "text/xml", body: strings.Repeat("x", 2<<20)}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRouterTrustsProxyHeadersOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	for _, trust := range []bool{false, true} {
		var seen string
		keyed := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = middleware.ClientIP(r)
				w.WriteHeader(http.StatusNoContent)
			})
		}
		app := &App{Logger: zerolog.Nop(), TrustProxyHeaders: trust}
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "198.51.100.10:4000"
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		NewRouter(app, keyed, nil).ServeHTTP(httptest.NewRecorder(), req)

		want := "198.51.100.10"
		if trust {
			want = "203.0.113.9"
		}
		if seen != want {
			t.Fatalf("trust=%v: expected key %q, got %q", trust, want, seen)
		}
	}
}
