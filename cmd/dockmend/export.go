package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dockmend/dockmend/internal/config"
	"github.com/dockmend/dockmend/internal/store"
)

// runExport dumps recorded pairs as CSV in the positional column order the
// analytics tooling consumes.
func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "dockmend.yaml", "path to configuration file")
	output := fs.String("o", "results.csv", "output file, or - for stdout")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating %s: %v\n", *output, err)
			return 1
		}
		defer f.Close()
		w = f
	}

	if err := store.ExportCSV(context.Background(), st, w); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting records: %v\n", err)
		return 1
	}
	return 0
}
