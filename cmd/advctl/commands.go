package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/advinvest/params"
	"github.com/uhyunpark/advinvest/pkg/game"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/util"
)

type rootOptions struct {
	envPath string
	dbPath  string
	cfg     params.Config
}

// openStore opens the database named by --db, or DB_PATH from the config.
func (o *rootOptions) openStore() (*storage.Store, error) {
	path := o.dbPath
	if path == "" {
		path = o.cfg.Storage.DBPath
	}
	return storage.Open(path, util.RealClock{})
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "advctl",
		Short:         "Advanced Invest admin tool",
		Long:          "advctl imports price tapes, manages members and runs the daily reset against the game database. Stop the server first; the database allows one process.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.LoadFromEnv(opts.envPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.envPath, "env", "", ".env file to load (default ./.env)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (default DB_PATH)")

	root.AddCommand(newTapeCmd(opts))
	root.AddCommand(newMemberCmd(opts))
	root.AddCommand(newResetCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

func newTapeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tape",
		Short: "Price tape management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Replace the stored tape with a JSON tape file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stocks, err := tape.LoadFile(args[0])
			if err != nil {
				return err
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveTape(stocks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d series from %s\n", len(stocks), args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List the stored series",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			stocks, err := store.LoadTape()
			if err != nil {
				return err
			}
			printTape(cmd.OutOrStdout(), stocks)
			return nil
		},
	})
	return cmd
}

func printTape(w io.Writer, stocks []tape.AdvStock) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tTYPE\tPOINTS\tLAST CLOSE")
	for _, s := range stocks {
		last, _ := s.LatestClose()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\n", s.Symbol, s.DataType, s.Len(), last)
	}
	tw.Flush()
}

func newMemberCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Member and wallet management",
	}

	var (
		id     int64
		name   string
		points int64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member with an opening balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id must be positive")
			}
			if !cmd.Flags().Changed("points") {
				points = opts.cfg.Wallet.InitialPoints
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateMember(&storage.Member{ID: id, Name: name, Points: points}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "member %d created with %d points\n", id, points)
			return nil
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "member id")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().Int64Var(&points, "points", 0, "opening balance (default WALLET_INITIAL_POINTS)")
	add.MarkFlagRequired("id")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show a member's balance and wallet history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var memberID int64
			if _, err := fmt.Sscan(args[0], &memberID); err != nil {
				return fmt.Errorf("invalid member id %q", args[0])
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			m, err := store.GetMember(memberID)
			if err != nil {
				return fmt.Errorf("member %d: %w", memberID, err)
			}
			history, err := store.WalletHistory(memberID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "member %d (%s): %d points\n", m.ID, m.Name, m.Points)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tDIRECTION\tPOINTS\tBALANCE")
			for _, e := range history {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", e.Symbol, e.Direction, e.Points, e.Balance)
			}
			return tw.Flush()
		},
	})
	return cmd
}

// newResetCmd runs the daily reset offline: with no live sessions it clears
// playedToday and ends every paused game.
func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Run the daily reset now",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			empty, err := tape.New()
			if err != nil {
				return err
			}
			engine := game.NewEngine(game.ConfigFrom(opts.cfg.Game), store, empty, util.NewManualScheduler(), util.RealClock{}, nil)
			rep, err := engine.DailyReset(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared playedToday on %d games, ended %d paused games\n", rep.ClearedPlayed, rep.EndedPaused)
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			c := opts.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API_ADDR=%s\n", c.API.Addr)
			fmt.Fprintf(out, "CORS_ORIGINS=%v\n", c.API.AllowedOrigins)
			fmt.Fprintf(out, "DB_PATH=%s\n", c.Storage.DBPath)
			fmt.Fprintf(out, "TAPE_FILE=%s\n", c.Storage.TapeFile)
			fmt.Fprintf(out, "GAME_TICK_MS=%d\n", c.Game.TickInterval.Milliseconds())
			fmt.Fprintf(out, "GAME_RESTRICT=%s-%s\n", c.Game.RestrictStart, c.Game.RestrictEnd)
			fmt.Fprintf(out, "GAME_RESET_AT=%s\n", c.Game.ResetAt)
			fmt.Fprintf(out, "GAME_TIMEZONE=%s\n", c.Game.Location)
			fmt.Fprintf(out, "WALLET_INITIAL_POINTS=%d\n", c.Wallet.InitialPoints)
		},
	}
}
