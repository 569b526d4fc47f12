package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	storemongo "aide.dev/aide/features/store/mongo"
	"aide.dev/aide/kernel/assembly"
	"aide.dev/aide/kernel/telemetry"
)

// newPageCmd groups offline page maintenance: integrity checks, compaction
// and repair run against the store without the service running.
func newPageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "page",
		Short: "Offline page maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <page-id>",
		Short: "Verify a page's log and snapshot agree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAssembler(cmd.Context(), func(ctx context.Context, a *assembly.Assembler) error {
				f, err := a.Load(ctx, args[0])
				if err != nil {
					return err
				}
				report := a.CheckIntegrity(f)
				return printJSON(report)
			})
		},
	})
	compact := &cobra.Command{
		Use:   "compact <page-id>",
		Short: "Trim a page's event log, keeping the recent suffix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			return withAssembler(cmd.Context(), func(ctx context.Context, a *assembly.Assembler) error {
				f, err := a.Load(ctx, args[0])
				if err != nil {
					return err
				}
				before := len(f.Events)
				a.Compact(f, keep)
				if err := a.Save(ctx, f); err != nil {
					return err
				}
				return printJSON(map[string]int{"events_before": before, "events_after": len(f.Events)})
			})
		},
	}
	compact.Flags().Int("keep", assembly.DefaultKeepRecent, "events to keep")
	cmd.AddCommand(compact)
	cmd.AddCommand(&cobra.Command{
		Use:   "repair <page-id>",
		Short: "Rebuild a page's snapshot by replaying its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAssembler(cmd.Context(), func(ctx context.Context, a *assembly.Assembler) error {
				f, err := a.Load(ctx, args[0])
				if err != nil {
					return err
				}
				batch := a.Repair(f)
				if err := a.Save(ctx, f); err != nil {
					return err
				}
				return printJSON(map[string]int{
					"applied":  len(batch.Applied),
					"rejected": len(batch.Rejected),
				})
			})
		},
	})
	return cmd
}

// withAssembler connects to Mongo per the environment and hands a fully
// wired assembler to fn.
func withAssembler(ctx context.Context, fn func(context.Context, *assembly.Assembler) error) error {
	v := config()
	client, err := mongodriver.Connect(
		mongooptions.Client().ApplyURI(v.GetString("mongo_url")))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	}()
	db := v.GetString("mongo_db")
	workspace, err := storemongo.New(storemongo.Options{
		Client:     client,
		Database:   db,
		Collection: "pages",
	})
	if err != nil {
		return err
	}
	public, err := storemongo.New(storemongo.Options{
		Client:     client,
		Database:   db,
		Collection: "published",
	})
	if err != nil {
		return err
	}
	a, err := assembly.New(assembly.Options{
		Workspace:     workspace,
		Public:        public,
		PublicBaseURL: v.GetString("public_base_url"),
		Footer:        v.GetString("footer_html"),
		Logger:        telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
