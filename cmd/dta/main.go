package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dtaflow/internal/app"
	"dtaflow/internal/config"
	"dtaflow/internal/db"
	"dtaflow/internal/domain"
	"dtaflow/internal/engine"
	"dtaflow/internal/engine/signing"
	"dtaflow/internal/migrate"
	"dtaflow/internal/repo"
	"dtaflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dta",
	Short: "DTA transfer portal CLI",
	Long: `dtaflow tracks cross-domain file transfer requests through their review chain.
Core concepts:
- Workspace: your .dtaflow directory holding the database; site config is stored in the DB and imported explicitly.
- Request: one file transfer between two systems, owned by the DTA who carries it out.
- Scans: both sides of the transfer get an independent anti-virus pass; the transfer cannot complete until both come back clean.
- Completion: records the files moved and assigns the SME who will countersign (two-person integrity).
- DTA signature: manual or via the site's certificate service; hands the request to the SME portal.
- Chain of custody: every signature ever applied to a request, append only.
- History: diary of changes, view with 'dta log tail'.`,
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
	viper.SetEnvPrefix("DTAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-email", "local-dta@localhost", "acting user email")
	rootCmd.PersistentFlags().String("site", "", "site id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-email", rootCmd.PersistentFlags().Lookup("actor-email"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage transfer requests"}
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestActivateCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestRejectCmd())
	return req
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfer requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					views := make([]engine.RequestView, 0, len(reqs))
					for _, t := range reqs {
						v, err := e.GetRequest(ctx, t.ID, "")
						if err != nil {
							return err
						}
						views = append(views, v)
					}
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "DTA", "Source", "Destination", "Orig Scan", "Dest Scan", "Files"})
				for _, t := range reqs {
					tw.AppendRow(table.Row{t.ID, t.Status, t.DTAID, t.SourceSystem, t.DestinationSystem, t.OriginationScan.Result, t.DestinationScan.Result, t.FilesTransferredCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DTAID, "dta", "", "owning DTA user id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transfer request with its derived workflow position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetRequest(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var dtaID, classification, source, dest, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transfer request awaiting activation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if classification == "" {
					classification = e.Config.Site.Classification
				}
				t, err := e.CreateRequest(ctx, engine.CreateOptions{
					DTAID:             dtaID,
					Classification:    classification,
					SourceSystem:      source,
					DestinationSystem: dest,
					Description:       description,
					ActorEmail:        viper.GetString("actor-email"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&dtaID, "dta", "", "owning DTA user id")
	cmd.Flags().StringVar(&classification, "classification", "", "data classification (defaults to site classification)")
	cmd.Flags().StringVar(&source, "source", "", "source system")
	cmd.Flags().StringVar(&dest, "destination", "", "destination system")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("dta")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func requestActivateCmd() *cobra.Command {
	var signatures []string
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Open a request for DTA processing, recording the approval-chain handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handoff, err := parseHandoff(signatures)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ActivateRequest(ctx, engine.ActivateOptions{
					RequestID:  args[0],
					ActorEmail: viper.GetString("actor-email"),
					Handoff:    handoff,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&signatures, "signature", []string{}, "upstream signature as step:identity, e.g. approver:jane@site (repeatable)")
	return cmd
}

// parseHandoff turns step:identity pairs into signature handoffs.
func parseHandoff(pairs []string) ([]engine.SignatureHandoff, error) {
	handoff := make([]engine.SignatureHandoff, 0, len(pairs))
	for _, pair := range pairs {
		step, identity, ok := strings.Cut(pair, ":")
		if !ok || step == "" || identity == "" {
			return nil, fmt.Errorf("invalid --signature %q; expected step:identity", pair)
		}
		handoff = append(handoff, engine.SignatureHandoff{StepType: step, SignerIdentity: identity})
	}
	return handoff, nil
}

func requestCancelCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request before DTA signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelRequest(ctx, args[0], viper.GetString("actor-email"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reason")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a request before DTA processing starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectRequest(ctx, args[0], viper.GetString("actor-email"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reason")
	return cmd
}

func scanCmd() *cobra.Command {
	scan := &cobra.Command{Use: "scan", Short: "Record anti-virus scan results"}
	scan.AddCommand(scanRecordCmd())
	return scan
}

func scanRecordCmd() *cobra.Command {
	var leg, result string
	var files, threats int
	cmd := &cobra.Command{
		Use:   "record <request-id>",
		Short: "Record one scan leg result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RecordScan(ctx, engine.ScanOptions{
					RequestID:    args[0],
					Leg:          leg,
					Result:       result,
					FilesScanned: files,
					ThreatsFound: threats,
					ActorEmail:   viper.GetString("actor-email"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&leg, "leg", "", "origination or destination")
	cmd.Flags().StringVar(&result, "result", "", "clean or infected")
	cmd.Flags().IntVar(&files, "files", 0, "number of files scanned")
	cmd.Flags().IntVar(&threats, "threats", 0, "number of threats found")
	_ = cmd.MarkFlagRequired("leg")
	_ = cmd.MarkFlagRequired("result")
	_ = cmd.MarkFlagRequired("files")
	return cmd
}

func transferCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transfer", Short: "Complete, sign, and close transfers"}
	tr.AddCommand(transferCompleteCmd())
	tr.AddCommand(transferSignCmd())
	tr.AddCommand(transferCloseCmd())
	return tr
}

func transferCompleteCmd() *cobra.Command {
	var files int
	var smeID, notes string
	cmd := &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Record the file transfer and assign the countersigning SME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTransfer(ctx, engine.CompleteOptions{
					RequestID:        args[0],
					FilesTransferred: files,
					SmeUserID:        smeID,
					ActorEmail:       viper.GetString("actor-email"),
					Notes:            notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&files, "files", 0, "number of files transferred")
	cmd.Flags().StringVar(&smeID, "sme", "", "SME user id")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("files")
	_ = cmd.MarkFlagRequired("sme")
	return cmd
}

func transferSignCmd() *cobra.Command {
	var method, notes string
	cmd := &cobra.Command{
		Use:   "sign <request-id>",
		Short: "Apply the DTA signature and hand the request to the SME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SignTransfer(ctx, engine.SignOptions{
					RequestID:  args[0],
					Method:     method,
					ActorEmail: viper.GetString("actor-email"),
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", engine.MethodManual, "manual or digital-certificate")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func transferCloseCmd() *cobra.Command {
	var outcome, notes string
	cmd := &cobra.Command{
		Use:   "close <request-id>",
		Short: "Move a DTA-signed request to its terminal outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CloseRequest(ctx, engine.CloseOptions{
					RequestID:  args[0],
					Outcome:    outcome,
					ActorEmail: viper.GetString("actor-email"),
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", domain.StatusCompleted, "completed or disposed")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage portal accounts"}
	usr.AddCommand(userListCmd())
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userDeactivateCmd())
	return usr
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List portal users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Role", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.Role, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter (dta, sme, approver, cpso)")
	return cmd
}

func userCreateCmd() *cobra.Command {
	var email, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a portal user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					ID:        uuid.NewString(),
					Email:     email,
					Name:      name,
					Role:      role,
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role (dta, sme, approver, cpso)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a portal user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetUserActive(ctx, args[0], false)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				rawKey := "dtak_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": key.UserID, "key": rawKey})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage site settings"}
	site.AddCommand(siteConfigCmd())
	return site
}

func siteConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage site config"}
	cfg.AddCommand(siteConfigShowCmd())
	cfg.AddCommand(siteConfigImportCmd())
	cfg.AddCommand(siteConfigInitCmd())
	return cfg
}

func siteConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show site config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func siteConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import site config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			siteID := cfg.Site.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSiteConfig(ctx, siteID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to <workspace>/dtaflow.yml)")
	return cmd
}

func siteConfigInitCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print default site config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if siteID == "" {
				siteID = "default-site"
			}
			fmt.Print(config.GenerateDefault(siteID))
			return nil
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Request history",
		Long:  "The diary of everything that happened: intakes, scans, completions, and signatures.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var requestID, action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestHistory(ctx, n, requestID, action)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&requestID, "request", "", "request id filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveSiteAndConfig(cmd.Context(), workspace, viper.GetString("site"), viper.GetString("actor-email"), r)
			if err != nil {
				return err
			}
			e := newEngine(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DTAFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowHeaderActor,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("DTAFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving transfer portal API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)
	if cfg.Signing.ServiceURL != "" {
		e.Signer = signing.HTTPSigner{URL: cfg.Signing.ServiceURL, Timeout: cfg.SigningTimeout()}
	}
	return e
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveSiteAndConfig(ctx, workspace, viper.GetString("site"), viper.GetString("actor-email"), r)
	if err != nil {
		return err
	}
	return fn(ctx, newEngine(conn, cfg))
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
	return fn(ctx, repo.Repo{DB: conn})
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
