package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/store"
)

var importTargetsCmd = &cobra.Command{
	Use:   "import-targets <file.csv>",
	Short: "Import call targets from a CSV file",
	Long: `Reads a CSV with a header row naming the columns id, name,
primary_number and secondary_number (phone is accepted for primary_number).
Existing targets keep their status and retry counts; their name and numbers
are refreshed.`,
	Args: cobra.ExactArgs(1),
	RunE: runImportTargets,
}

func runImportTargets(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	targets, err := readTargetsCSV(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	added, err := store.NewTargetStore(db).Import(targets)
	if err != nil {
		return err
	}
	logger.Info("targets imported", "file", args[0], "rows", len(targets), "new", added)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d targets (%d new)\n", len(targets), added)
	return nil
}

// readTargetsCSV parses targets by header name. Rows without an id or a
// primary number are rejected with their line number.
func readTargetsCSV(r io.Reader) ([]models.CallTarget, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["primary_number"]; !ok {
		if i, ok := cols["phone"]; ok {
			cols["primary_number"] = i
		}
	}
	for _, req := range []string{"id", "primary_number"} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("missing %q column", req)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []models.CallTarget
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t := models.CallTarget{
			ID:              field(rec, "id"),
			Name:            field(rec, "name"),
			PrimaryNumber:   field(rec, "primary_number"),
			SecondaryNumber: field(rec, "secondary_number"),
		}
		if t.ID == "" || t.PrimaryNumber == "" {
			return nil, fmt.Errorf("line %d: id and primary_number are required", line)
		}
		out = append(out, t)
	}
	return out, nil
}
