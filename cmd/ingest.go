package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sagehq/sage/internal/app"
	"github.com/sagehq/sage/internal/ingest"
)

var (
	ingestFolder string
	ingestTenant string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over the source folder",
	Long: `Ingest lists the configured Google Drive folder, skips unchanged
documents, re-extracts and re-embeds changed ones, follows links found
in document text, and sweeps fragments whose source disappeared.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFolder, "folder", "", "Drive folder ID (default: configured drive_folder_id)")
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "", "tenant to write fragments under (default: configured default_tenant)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	folder := ingestFolder
	if folder == "" {
		folder = cfg.DriveFolderID
	}
	if folder == "" {
		return fmt.Errorf("no folder given and drive_folder_id not configured")
	}

	summary, err := a.Pipeline.Run(ctx, ingest.Request{
		ContainerID: folder,
		TenantID:    ingestTenant,
	})
	if err != nil {
		return fmt.Errorf("ingesting folder %s: %w", folder, err)
	}

	fmt.Printf("Processed %d documents, scraped %d pages, swept %d fragments\n",
		summary.ProcessedFiles, summary.ScrapedPages, summary.SweptFragments)
	if len(summary.Errors) > 0 {
		fmt.Printf("%d documents failed:\n", len(summary.Errors))
		for _, e := range summary.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	return nil
}
