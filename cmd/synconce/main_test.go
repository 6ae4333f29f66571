package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"attendsync/internal/attendance"
	"attendsync/internal/config"
	"attendsync/internal/storage"
	"attendsync/internal/storage/sqlite"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func upstreamServer(t *testing.T, body string) (*httptest.Server, *string) {
	t.Helper()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &gotQuery
}

func TestRun_SyncThenStatus(t *testing.T) {
	t.Parallel()

	srv, gotQuery := upstreamServer(t, `[
		{"identificador_rut":"1-9","Empresa":"Acme"},
		{"identificador_rut":"2-7","Empresa":"Globex"},
		{"identificador_rut":"3-5","Empresa":"Acme"}
	]`)
	env := map[string]string{
		"UPSTREAM_URL":   srv.URL + "/asistencias",
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  "file:" + filepath.Join(t.TempDir(), "att.db"),
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-empresa", "Acme", "-fecha_fin", "2024-01-31"}, deps{Stdout: &stdout, Stderr: &stderr, Getenv: envOf(env)})
	if code != 0 {
		t.Fatalf("sync code=%d stderr=%s", code, stderr.String())
	}
	var out syncOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if out.Status != "success" || out.RowsInserted != 3 || out.Mode != "replace" || out.RunID == "" {
		t.Fatalf("out=%+v", out)
	}
	if *gotQuery != "empresa=Acme&fecha_fin=2024-01-31" {
		t.Fatalf("upstream query=%q", *gotQuery)
	}

	stdout.Reset()
	code = run(context.Background(), []string{"-status"}, deps{Stdout: &stdout, Stderr: &stderr, Getenv: envOf(env)})
	if code != 0 {
		t.Fatalf("status code=%d stderr=%s", code, stderr.String())
	}
	var st statusOutput
	if err := json.Unmarshal(stdout.Bytes(), &st); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if st.Status != "table_exists" || st.TotalRegistros == nil || *st.TotalRegistros != 3 {
		t.Fatalf("status=%+v", st)
	}
	if st.EmpresasUnicas == nil || *st.EmpresasUnicas != 2 || len(st.UltimaCarga) == 0 || string(st.UltimaCarga) == "null" {
		t.Fatalf("status=%+v", st)
	}
}

func TestRun_StatusOnMissingTable(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"UPSTREAM_URL":   "http://127.0.0.1:1/asistencias",
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  ":memory:",
	}
	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"-status"}, deps{Stdout: &stdout, Getenv: envOf(env)}); code != 0 {
		t.Fatalf("code=%d", code)
	}
	var got map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if got["status"] != "table_not_exists" {
		t.Fatalf("stdout=%s", stdout.String())
	}
	for _, k := range []string{"total_registros", "ultima_carga", "empresas_unicas"} {
		if _, ok := got[k]; ok {
			t.Fatalf("aggregate %q present for missing table: %s", k, stdout.String())
		}
	}
}

func TestRun_StatusOnEmptyTableHasNullLastLoad(t *testing.T) {
	t.Parallel()

	dsn := "file:" + filepath.Join(t.TempDir(), "empty.db")
	wh, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn, Table: config.DefaultTable})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	if err := wh.CreateTable(context.Background(), attendance.TableSpec(wh.Table())); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	wh.Close()

	env := map[string]string{
		"UPSTREAM_URL":   "http://127.0.0.1:1/asistencias",
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  dsn,
	}
	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"-status"}, deps{Stdout: &stdout, Getenv: envOf(env)}); code != 0 {
		t.Fatalf("code=%d", code)
	}
	var got map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	v, ok := got["ultima_carga"]
	if got["status"] != "table_exists" || !ok || v != nil || got["total_registros"] != float64(0) {
		t.Fatalf("stdout=%s", stdout.String())
	}
}

func TestRun_EmptyUpstream(t *testing.T) {
	t.Parallel()

	srv, _ := upstreamServer(t, `[]`)
	env := map[string]string{
		"UPSTREAM_URL":   srv.URL,
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  ":memory:",
	}
	var stdout bytes.Buffer
	if code := run(context.Background(), nil, deps{Stdout: &stdout, Getenv: envOf(env)}); code != 0 {
		t.Fatalf("code=%d", code)
	}
	var out syncOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RowsInserted != 0 || out.Message != "No hay datos para cargar" {
		t.Fatalf("out=%+v", out)
	}
}

func TestRun_UpstreamDownExitsOne(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	env := map[string]string{
		"UPSTREAM_URL":   "http://" + addr + "/asistencias",
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  ":memory:",
	}
	var stdout bytes.Buffer
	if code := run(context.Background(), nil, deps{Stdout: &stdout, Getenv: envOf(env)}); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	var out syncOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "error" || out.Error == "" {
		t.Fatalf("out=%+v", out)
	}
}

func TestRun_ConfigErrorExitsTwo(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-mode", "merge"}, deps{Stderr: &stderr, Getenv: envOf(map[string]string{
		"UPSTREAM_URL":   "http://x/a",
		"WAREHOUSE_KIND": "sqlite",
		"WAREHOUSE_DSN":  ":memory:",
	})})
	if code != 2 || !strings.Contains(stderr.String(), "SYNC_MODE") {
		t.Fatalf("code=%d stderr=%s", code, stderr.String())
	}
}
