// nexussync-util is the operator toolbox: inspect snapshot files, export
// and import store snapshots, and validate documents against CUE schemas.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/INLOpen/nexussync/compressors"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/durable/boltstore"
	"github.com/INLOpen/nexussync/durable/memstore"
	"github.com/INLOpen/nexussync/durable/sqlitestore"
	"github.com/INLOpen/nexussync/engine"
	"github.com/INLOpen/nexussync/schema"
	"github.com/INLOpen/nexussync/snapshot"
)

// errValidationFailed marks a structurally invalid document so main can
// exit non-zero without logging it as an internal failure.
var errValidationFailed = errors.New("document is not valid against the schema")

func openStore(backend, path string) (durable.Store, error) {
	switch strings.ToLower(backend) {
	case "memory":
		return memstore.New(), nil
	case "bolt":
		return boltstore.Open(path)
	case "sqlite":
		return sqlitestore.Open(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want memory, bolt or sqlite)", backend)
	}
}

// withEngine opens the store, runs fn against a started engine and tears
// everything down again. The commands here are one-shot, so the engine
// flushes nothing on its own.
func withEngine(backend, path string, logger *slog.Logger, fn func(e *engine.SyncEngine) error) error {
	store, err := openStore(backend, path)
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := engine.NewSyncEngine(engine.SyncEngineOptions{
		Store:      store,
		FlushDelay: time.Hour,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Close()

	return fn(e)
}

func runInspect(out io.Writer, path string, verify bool) error {
	info, err := snapshot.InspectFile(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", path)
	fmt.Fprintf(w, "Size:\t%.2f KiB\n", float64(st.Size())/1024)
	fmt.Fprintf(w, "Format version:\t%d\n", info.Header.Version)
	fmt.Fprintf(w, "Compression:\t%s\n", info.Header.CompressorType)
	fmt.Fprintf(w, "Created at:\t%s\n", time.Unix(0, info.Header.CreatedAt).Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Revision:\t%d\n", info.Revision)
	fmt.Fprintf(w, "Entries:\t%d\n", info.Count)
	w.Flush()

	if verify {
		if _, err := snapshot.ReadFile(path); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Fprintln(out, "Checksum: OK")
	}
	return nil
}

func runExport(out io.Writer, backend, dbPath, outPath, compression string, logger *slog.Logger) error {
	ct, ok := core.ParseCompressionType(compression)
	if !ok {
		return fmt.Errorf("unknown compression %q (want none, snappy, lz4 or zstd)", compression)
	}
	comp, err := compressors.ForType(ct)
	if err != nil {
		return err
	}

	return withEngine(backend, dbPath, logger, func(e *engine.SyncEngine) error {
		if err := e.ExportSnapshotToFile(context.Background(), outPath, comp); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported revision %d (%d entries) to %s\n", e.Revision(), e.Len(), outPath)
		return nil
	})
}

func runImport(out io.Writer, backend, dbPath, inPath string, logger *slog.Logger) error {
	return withEngine(backend, dbPath, logger, func(e *engine.SyncEngine) error {
		if err := e.ImportSnapshotFromFile(context.Background(), inPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %s; store is now at revision %d with %d entries\n", inPath, e.Revision(), e.Len())
		return nil
	})
}

func runValidate(out io.Writer, schemaPath, docPath string, logger *slog.Logger) error {
	schemaSrc, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	var doc []byte
	if docPath == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(docPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	registry := schema.NewRegistry(logger)
	if err := registry.Register(schema.KeySchema{
		Key:        "document",
		Version:    1,
		Definition: string(schemaSrc),
	}); err != nil {
		return err
	}
	ks, _ := registry.Get("document", 1)

	violations, err := ks.Validate(string(doc))
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Fprintln(out, "Document is valid.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FIELD\tPROBLEM")
	for _, v := range violations {
		field := v.Field
		if field == "" {
			field = "(document)"
		}
		fmt.Fprintf(w, "%s\t%s\n", field, v.Message)
	}
	w.Flush()
	return errValidationFailed
}

func newRootCommand() *cobra.Command {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := &cobra.Command{
		Use:           "nexussync-util",
		Short:         "Inspect, export, import and validate nexussync data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verify bool
	inspect := &cobra.Command{
		Use:   "inspect <snapshot-file>",
		Short: "Print a snapshot file's header, revision and entry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], verify)
		},
	}
	inspect.Flags().BoolVar(&verify, "verify", false, "Read the full record stream and verify the checksum")

	var (
		backend     string
		dbPath      string
		outPath     string
		compression string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export a store's state to a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.OutOrStdout(), backend, dbPath, outPath, compression, logger)
		},
	}
	export.Flags().StringVar(&backend, "store", "bolt", "Store backend (memory, bolt or sqlite)")
	export.Flags().StringVar(&dbPath, "db", "", "Path to the store database file (required)")
	export.Flags().StringVar(&outPath, "out", "", "Snapshot file to write (required)")
	export.Flags().StringVar(&compression, "compression", "snappy", "Snapshot compression (none, snappy, lz4 or zstd)")
	export.MarkFlagRequired("db")
	export.MarkFlagRequired("out")

	var (
		importBackend string
		importDBPath  string
		inPath        string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a store's state from a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.OutOrStdout(), importBackend, importDBPath, inPath, logger)
		},
	}
	importCmd.Flags().StringVar(&importBackend, "store", "bolt", "Store backend (memory, bolt or sqlite)")
	importCmd.Flags().StringVar(&importDBPath, "db", "", "Path to the store database file (required)")
	importCmd.Flags().StringVar(&inPath, "in", "", "Snapshot file to read (required)")
	importCmd.MarkFlagRequired("db")
	importCmd.MarkFlagRequired("in")

	var schemaPath string
	validate := &cobra.Command{
		Use:   "validate <json-file>",
		Short: "Validate a JSON document against a CUE schema, listing every violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), schemaPath, args[0], logger)
		},
	}
	validate.Flags().StringVar(&schemaPath, "schema", "", "CUE schema file (required)")
	validate.MarkFlagRequired("schema")

	root.AddCommand(inspect, export, importCmd, validate)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
