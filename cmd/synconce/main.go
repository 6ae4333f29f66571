// Command synconce runs a single sync (or status query) and prints the result
// as JSON. It is meant for schedulers that cannot call the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"attendsync/internal/app"
	"attendsync/internal/attendance"
	"attendsync/internal/config"

	_ "attendsync/internal/storage/all"
)

type deps struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
	App    app.Deps
}

// syncOutput is printed to stdout after a sync. Field names match the HTTP API.
type syncOutput struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	RowsInserted int64  `json:"rows_inserted"`
	Table        string `json:"table,omitempty"`
	Mode         string `json:"mode"`
	Error        string `json:"error,omitempty"`
}

// statusOutput carries the aggregates only when the table exists. UltimaCarga
// is then a quoted timestamp or null for a table with no rows.
type statusOutput struct {
	Table          string          `json:"table"`
	Status         string          `json:"status"`
	TotalRegistros *int64          `json:"total_registros,omitempty"`
	UltimaCarga    json.RawMessage `json:"ultima_carga,omitempty"`
	EmpresasUnicas *int64          `json:"empresas_unicas,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], deps{Stdout: os.Stdout, Stderr: os.Stderr, Getenv: os.Getenv}))
}

// run executes one sync or status query and returns an exit code.
//
// Exit codes:
//   - 0: success (including an empty upstream result).
//   - 1: the sync or status query failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	var (
		f      attendance.Filters
		status bool
	)
	cfg, issues, err := config.Parse("synconce", args, d.Getenv, func(fs *flag.FlagSet) {
		fs.StringVar(&f.Company, "empresa", "", "company filter")
		fs.StringVar(&f.StartDate, "fecha_inicio", "", "start date filter (YYYY-MM-DD)")
		fs.StringVar(&f.EndDate, "fecha_fin", "", "end date filter (YYYY-MM-DD)")
		fs.BoolVar(&status, "status", false, "print the destination table status instead of syncing")
	})
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	issues = append(issues, config.Validate(cfg)...)
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return 2
	}

	a, err := app.Open(ctx, cfg, "synconce", d.App)
	if err != nil {
		fmt.Fprintf(d.Stderr, "init failed: %v\n", err)
		return 2
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("synconce: close: %v", err)
		}
	}()

	enc := json.NewEncoder(d.Stdout)
	enc.SetIndent("", "  ")

	if status {
		return printStatus(ctx, a, enc)
	}

	res, err := a.Sync.Sync(ctx, f)
	out := syncOutput{
		RunID:        res.RunID,
		Status:       "success",
		RowsInserted: res.RowsInserted,
		Table:        res.Table,
		Mode:         string(res.Mode),
	}
	switch {
	case err != nil:
		out.Status = "error"
		out.Message = "sync failed"
		out.Error = err.Error()
	case res.Empty:
		out.Message = "No hay datos para cargar"
	default:
		out.Message = fmt.Sprintf("%d rows written", res.RowsInserted)
	}
	if encErr := enc.Encode(out); encErr != nil {
		fmt.Fprintf(d.Stderr, "write output: %v\n", encErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

func printStatus(ctx context.Context, a *app.App, enc *json.Encoder) int {
	st, err := a.Sync.Status(ctx)
	out := statusOutput{Table: st.Table, Status: "table_not_exists"}
	code := 0
	switch {
	case err != nil:
		out.Status = "error"
		out.Error = err.Error()
		code = 1
	case st.Exists:
		out.Status = "table_exists"
		total, companies := st.Aggregates.TotalRows, st.Aggregates.DistinctCompanies
		out.TotalRegistros = &total
		out.EmpresasUnicas = &companies
		out.UltimaCarga = json.RawMessage("null")
		if t := st.Aggregates.LastLoad; t != nil {
			b, err := json.Marshal(attendance.FormatDateTime(*t))
			if err != nil {
				return 1
			}
			out.UltimaCarga = b
		}
	}
	if err := enc.Encode(out); err != nil {
		return 1
	}
	return code
}
