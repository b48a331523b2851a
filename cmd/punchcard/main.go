package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"punchcard/internal/app"
	"punchcard/internal/config"
	"punchcard/internal/db"
	"punchcard/internal/domain"
	"punchcard/internal/ledger"
	"punchcard/internal/migrate"
	"punchcard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "punchcard",
	Short: "Punchcard work-session time accounting",
	Long: `Punchcard tracks community work sessions as point cards.
A member clocks in, may pause and resume, and finishes to bank the session's
net time; finalized totals are written back to the community's spreadsheet
ledger in daily batches. A midnight sweep closes whatever was left open.`,
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
	viper.SetEnvPrefix("PUNCHCARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("timezone", "America/Sao_Paulo", "accounting timezone")
	rootCmd.PersistentFlags().String("ledger-key", "", "service account private key PEM path")
	rootCmd.PersistentFlags().String("ledger-email", "", "service account email")
	for _, f := range []string{"workspace", "json", "timezone", "ledger-key", "ledger-email"} {
		_ = viper.BindPFlag(f, rootCmd.PersistentFlags().Lookup(f))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(communityCmd())
}

func settingsFromFlags() *config.Settings {
	s := config.Default()
	s.Workspace = viper.GetString("workspace")
	if tz := viper.GetString("timezone"); tz != "" {
		s.Timezone = tz
	}
	s.Ledger.PrivateKeyPath = viper.GetString("ledger-key")
	s.Ledger.ServiceAccountEmail = viper.GetString("ledger-email")
	if addr := viper.GetString("listen"); addr != "" {
		s.Listen = addr
	}
	return s
}

func openApp() (*app.App, error) {
	return app.New(settingsFromFlags(), app.NewLogger())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, sync queue, and midnight sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = a.Engine.Settings.Listen
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Sweeper:  a.Sweeper,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}

			go a.Sweeper.Start(ctx)
			stopJanitors := make(chan struct{})
			defer close(stopJanitors)
			a.Engine.Communities.StartJanitor(a.Engine.Settings.Cache.SweepEvery, stopJanitors)
			a.Engine.Handles.StartJanitor(a.Engine.Settings.Cache.SweepEvery, stopJanitors)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info("serving punchcard API", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to settings)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close all open cards and purge expired ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := a.Sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(sum)
			}
			fmt.Printf("closed %d, failed %d, purged %d\n", sum.Closed, sum.Failed, sum.Purged)
			for id, cs := range sum.Communities {
				fmt.Printf("  %s: closed %d, failed %d\n", id, cs.Closed, cs.Failed)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	}
}

func cardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "card", Short: "Inspect point cards"}
	cmd.AddCommand(cardListCmd())
	cmd.AddCommand(cardShowCmd())
	return cmd
}

func cardListCmd() *cobra.Command {
	var communityID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			cards, err := a.Engine.ListCards(cmd.Context(), communityID, domain.State(state))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cards)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "User", "Community", "State", "Started", "Total"})
			for _, c := range cards {
				tw.AppendRow(table.Row{
					c.ID, c.UserID, c.CommunityID, string(c.State),
					c.StartTime.Format(time.RFC3339), ledger.FormatDuration(c.Total),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&communityID, "community", "", "filter by community")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Show a card with its trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.Engine.GetCard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			fmt.Printf("card %s  user=%s community=%s state=%s\n", c.ID, c.UserID, c.CommunityID, c.State)
			fmt.Printf("started %s", c.StartTime.Format(time.RFC3339))
			if c.EndTime != nil {
				fmt.Printf("  ended %s", c.EndTime.Format(time.RFC3339))
			}
			fmt.Printf("  total %s\n", ledger.FormatDuration(c.Total))
			if len(c.History) > 0 {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "Actor", "Time", "Note"})
				for _, h := range c.History {
					tw.AppendRow(table.Row{h.Action, h.Actor, h.Time.Format(time.RFC3339), h.Note})
				}
				tw.Render()
			}
			return nil
		},
	}
}

func communityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "community", Short: "Manage community ledger bindings"}
	cmd.AddCommand(communityImportCmd())
	cmd.AddCommand(communityListCmd())
	cmd.AddCommand(communityShowCmd())
	return cmd
}

func communityImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import a community binding from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Engine.RegisterCommunity(cmd.Context(), *c); err != nil {
				return err
			}
			fmt.Printf("registered community %s (%s)\n", c.CommunityID, c.SheetName)
			return nil
		},
	}
}

func communityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered communities",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.Engine.Repo.ListCommunities(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(list)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Community", "Name", "Spreadsheet", "Sheet"})
			for _, c := range list {
				tw.AppendRow(table.Row{c.CommunityID, c.Name, c.SpreadsheetID, c.SheetName})
			}
			tw.Render()
			return nil
		},
	}
}

func communityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <community-id>",
		Short: "Show a community binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.Engine.Repo.GetCommunity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
}
