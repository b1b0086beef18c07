package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"memory-bank/internal/audit"
	"memory-bank/internal/capture"
	"memory-bank/internal/config"
	"memory-bank/internal/recorder"
	"memory-bank/internal/scheduler"
	"memory-bank/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()

	log.Printf("🚀 Starting Memory Bank MCP Server")
	log.Printf("💾 Database: %s", cfg.DatabasePath)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open content store: %v", err)
	}
	defer st.Close()

	trail, err := audit.NewFileTrail(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("❌ Failed to open audit log: %v", err)
	}

	adapter := selectAdapter(cfg)

	engine := recorder.NewEngine(st, adapter, trail, recorder.Options{
		CaptureTimeout:   cfg.CaptureTimeout,
		CaptureRetries:   cfg.CaptureRetries,
		CaptureBackoff:   cfg.CaptureBackoff,
		LinkLimit:        cfg.LinkLimit,
		OperationTimeout: cfg.OperationTimeout,
	})

	sched := scheduler.New()
	sched.SetReconcileFunction(func(ctx context.Context) error {
		desynced, err := engine.VerifySync(ctx, true)
		if err != nil {
			return err
		}
		if len(desynced) > 0 {
			log.Printf("⚠️ %d index entries still desynchronized after reconciliation", len(desynced))
		}
		return nil
	})
	if err := sched.Start(cfg.ReconcileSchedule); err != nil {
		log.Fatalf("❌ Failed to start reconciliation scheduler: %v", err)
	}
	defer sched.Stop()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memory-bank",
		Version: "1.0.0",
	}, nil)

	recorder.RegisterTools(server, engine)

	log.Printf("🔗 Starting Memory Bank MCP server on stdin/stdout...")

	transport := mcp.NewStdioTransport()
	if err := server.Run(context.Background(), transport); err != nil {
		log.Fatalf("❌ Memory Bank MCP Server failed: %v", err)
	}
}

func selectAdapter(cfg *config.Config) capture.Adapter {
	switch cfg.CaptureAdapter {
	case config.AdapterClipboard:
		log.Printf("📋 Using clipboard capture adapter")
		return capture.NewClipboardAdapter()
	default:
		osa := capture.NewOsascriptAdapter()
		if osa.Available() {
			log.Printf("🍎 Using AppleScript capture adapter")
			return osa
		}
		log.Printf("⚠️ osascript not available - falling back to clipboard capture")
		return capture.NewClipboardAdapter()
	}
}
