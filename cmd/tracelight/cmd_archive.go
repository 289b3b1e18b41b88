package main

// ---------------------------------------------------------------------------
// cmd_archive.go — bundle a finished scan into a compressed archive
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

func cmdArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	dir := fs.String("dir", "", "Archive directory (default from config)")
	retentionStr := fs.String("retention", "0", "Delete archives older than this before writing (0 = keep all)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight archive [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	archiveDir := *dir
	if archiveDir == "" {
		archiveDir = cfg.Store.ArchiveDir
	}
	retention, err := time.ParseDuration(*retentionStr)
	if err != nil {
		errorf("invalid retention %q: %v", *retentionStr, err)
	}

	archiver, err := store.NewArchiver(archiveDir, retention, logger)
	if err != nil {
		errorf("%v", err)
	}

	path, err := archiver.Archive(context.Background(), st, scanID)
	if err != nil {
		errorf("archiving scan: %v", err)
	}
	fmt.Printf("%s archived scan %s to %s\n", green("ok:"), scanID, path)

	if retention > 0 {
		if n, err := archiver.Sweep(); err == nil && n > 0 {
			fmt.Printf("%s\n", dim(fmt.Sprintf("removed %d expired archive(s)", n)))
		}
	}
}
