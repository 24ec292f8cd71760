package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/logging"
	"raidline/internal/migrate"
	"raidline/internal/render"
	"raidline/internal/repo"
	"raidline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "raidline",
	Short: "Raidline CLI",
	Long: `Raidline coordinates timed group raids across chat communities.
- Raid: an owner reserves a venue for a deadline; members join until the roster is full.
- Workspace: the .raidline directory holding the SQLite store; raidline.yml sits next to it.
- Flow: every live raid is driven through reservation, collection, roster updates and departure.
- Signals: reactions on published messages join or leave raids.
- Questions: confirmations are sent as direct messages and answered with 'raidline remote answer'.
- Event log: diary of saves, removals and registrations, view with 'raidline log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("RAIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/raidline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(raidCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(remoteCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the raid coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Server.JWTSecret = secret
			}
			if secret := viper.GetString("signal-secret"); secret != "" {
				cfg.Server.SignalSecret = secret
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret or RAIDLINE_JWT_SECRET is required for bearer auth")
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
			a, err := app.Open(viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Printf("Serving Raidline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().String("signal-secret", "", "shared secret of the platform bridge")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("signal-secret", cmd.Flags().Lookup("signal-secret"))
	return cmd
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
			ran, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, s := range ran {
				fmt.Println("applied", s.Name)
			}
			status, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(status)
			}
			fmt.Printf("database up to date: %s (%d migrations)\n", db.Path(viper.GetString("workspace")), len(status))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage raidline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var community string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default raidline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(community)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&community, "community", "main", "id of the first community")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate raidline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(configPath()); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var participant string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			tok, err := server.SignToken(secret, participant, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "participant id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func raidCmd() *cobra.Command {
	raid := &cobra.Command{
		Use:   "raid",
		Short: "Inspect persisted raids",
	}
	raid.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live raids as last saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				snaps, err := r.LoadAll(ctx)
				if err != nil {
					return err
				}
				summaries := make([]domain.RaidSummary, 0, len(snaps))
				for _, snap := range snaps {
					raid, err := domain.Reconstruct(snap)
					if err != nil {
						fmt.Fprintf(os.Stderr, "skipping %s: %v\n", snap.ID, err)
						continue
					}
					s := raid.Summary()
					s.State = snap.State
					summaries = append(summaries, s)
				}
				if viper.GetBool("json") {
					return printJSON(summaries)
				}
				fmt.Println(render.RaidTable(summaries))
				return nil
			})
		},
	})
	return raid
}

func archiveCmd() *cobra.Command {
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Inspect ended raids",
	}
	var community, owner string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived raids, latest deadline first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArchive(ctx, repo.ArchiveFilters{Community: community, OwnerID: owner, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"ID", "Community", "Owner", "Venue", "Deadline", "Members", "Archived"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Community, a.Owner.Display(), a.Venue,
						a.Deadline.Format(time.RFC3339), len(a.Members), a.ArchivedAt.Format(time.RFC3339)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&community, "community", "", "community filter")
	list.Flags().StringVar(&owner, "owner", "", "owner participant id")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	archive.AddCommand(list)
	return archive
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "participant",
		Short: "Manage participant registrations",
	}
	p.AddCommand(participantRegisterCmd())
	p.AddCommand(participantMuteCmd())
	p.AddCommand(participantShowCmd())
	return p
}

func participantRegisterCmd() *cobra.Command {
	var id, nickname string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or rename a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.Register(ctx, id, nickname)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname")
	return cmd
}

func participantMuteCmd() *cobra.Command {
	var id string
	var off bool
	cmd := &cobra.Command{
		Use:   "mute",
		Short: "Mute reminders for a participant (--off to unmute)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetMuted(ctx, id, !off); err != nil {
					return err
				}
				flags, err := r.Flags(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(flags)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().BoolVar(&off, "off", false, "unmute instead")
	return cmd
}

func participantShowCmd() *cobra.Command {
	var id, nickname string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a participant by id or nickname",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var p domain.Participant
				var err error
				switch {
				case id != "":
					p, err = r.Resolve(ctx, id)
				case nickname != "":
					p, err = r.ByNickname(ctx, nickname)
				default:
					return fmt.Errorf("--id or --nickname required")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything persisted: raid saves, removals, archives and participant changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var community, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					Community:  community,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Community", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Community, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&community, "community", "", "community filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.Load(viper.GetString("workspace"))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
