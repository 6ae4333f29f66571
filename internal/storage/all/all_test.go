package all

import (
	"reflect"
	"testing"

	"attendsync/internal/storage"
)

func TestAllBackendsRegistered(t *testing.T) {
	want := []string{"bigquery", "mssql", "postgres", "sqlite"}
	if got := storage.Kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Kinds()=%v, want %v", got, want)
	}
}
