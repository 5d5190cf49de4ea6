package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagehand/internal/config"
	"stagehand/internal/db"
	"stagehand/internal/engine"
	"stagehand/internal/migrate"
	"stagehand/internal/repo"
	"stagehand/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand webhook task engine",
	Long: `Stagehand ingests matter lifecycle webhooks and materializes follow-up
tasks from configurable template tables. Due dates come from relative rules
("3 days after the event", "1 week after task #2"), assignees from a
location-to-user reference table.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(refdataCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(errorsCmd())
}

func openStore(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := openStore(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)

			jwtSecret := os.Getenv("STAGEHAND_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("STAGEHAND_JWT_SECRET is required for the ops API")
			}
			// The webhook secret may legitimately be empty until the
			// activation handshake has happened; signed deliveries are
			// rejected with CONFIG_MISSING until it is set.
			webhookSecret := os.Getenv("STAGEHAND_WEBHOOK_SECRET")

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:        e,
				BasePath:      basePath,
				Auth:          server.AuthConfig{JWTSecret: jwtSecret},
				WebhookSecret: webhookSecret,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("listening on %s (base path %s)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("schema up to date:", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
}

func refdataCmd() *cobra.Command {
	ref := &cobra.Command{Use: "refdata", Short: "Manage reference data (templates, mappings, assignees)"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import reference data from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := config.RefDataFromFile(file)
			if err != nil {
				return err
			}
			conn, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			if err := r.ImportRefData(cmd.Context(), data); err != nil {
				return err
			}
			fmt.Printf("imported %d meeting, %d matter, %d probate templates; %d mappings; %d assignee refs\n",
				len(data.MeetingTemplates), len(data.MatterTemplates), len(data.ProbateTemplates),
				len(data.CalendarMappings), len(data.AssigneeRefs))
			return nil
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "reference data YAML file")
	ref.AddCommand(importCmd)
	return ref
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Inspect materialized tasks"}
	var matterID, stageID int64
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			items, err := r.ListTasks(cmd.Context(), matterID, stageID, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Matter", "Stage", "#", "Title", "Due", "Assignee", "Status"})
			for _, task := range items {
				assignee := ""
				if task.AssignedUserID != nil {
					assignee = fmt.Sprintf("%d", *task.AssignedUserID)
				}
				t.AppendRow(table.Row{task.MatterID, task.StageID, task.TaskNumber, task.Title, task.DueDate, assignee, task.Status})
			}
			t.Render()
			return nil
		},
	}
	listCmd.Flags().Int64Var(&matterID, "matter", 0, "filter by matter id")
	listCmd.Flags().Int64Var(&stageID, "stage", 0, "filter by stage id")
	listCmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	tasks.AddCommand(listCmd)
	return tasks
}

func errorsCmd() *cobra.Command {
	errs := &cobra.Command{Use: "errors", Short: "Inspect the audit log"}
	var limit int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			items, err := r.ListErrors(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Time", "Code", "Matter", "Message"})
			for _, e := range items {
				matter := ""
				if e.MatterID != nil {
					matter = fmt.Sprintf("%d", *e.MatterID)
				}
				t.AppendRow(table.Row{e.CreatedAt, e.Code, matter, e.Message})
			}
			t.Render()
			return nil
		},
	}
	tailCmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	errs.AddCommand(tailCmd)
	return errs
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
