package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestImportBuyersCmd_RejectsBadFileBeforeConnecting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buyers.csv")
	if err := os.WriteFile(path, []byte("id,name\nb1,Anytown\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd := importBuyersCmd()
	cmd.SetArgs([]string{path})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), `missing column "org_type"`) {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestImportBuyersCmd_RequiresOneFile(t *testing.T) {
	cmd := importBuyersCmd()
	cmd.SetArgs(nil)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected argument error")
	}
}
