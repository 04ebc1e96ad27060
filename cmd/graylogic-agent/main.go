// Gray Logic Agent - edge device agent
//
// The agent runs on the main device of an edge installation. It keeps the
// entity store of the device and its children, executes firmware, software,
// configuration and log operations requested over MQTT, and serves the
// entity and file transfer HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-agent/internal/agent"
	"github.com/nerrad567/gray-logic-agent/internal/api"
	"github.com/nerrad567/gray-logic-agent/internal/auth"
	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/operation/configmgr"
	"github.com/nerrad567/gray-logic-agent/internal/operation/firmware"
	"github.com/nerrad567/gray-logic-agent/internal/operation/logmgr"
	"github.com/nerrad567/gray-logic-agent/internal/operation/software"
	"github.com/nerrad567/gray-logic-agent/internal/process"
	"github.com/nerrad567/gray-logic-agent/internal/recovery"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "/etc/graylogic-agent/config.yaml"

const defaultTokenSubject = "admin"

// entityReportInterval is the period of the entity count metrics.
const entityReportInterval = time.Minute

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command line options.
type options struct {
	configPath   string
	showVersion  bool
	issueToken   string
	tokenSubject string
	migrateDown  bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet(agent.ServiceName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", getConfigPath(), "path to the configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print an API token for the given role (reader or operator) and exit")
	fs.StringVar(&opts.tokenSubject, "token-subject", defaultTokenSubject, "subject of the token printed by --issue-token")
	fs.BoolVar(&opts.migrateDown, "migrate-down", false, "revert the latest database migration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	// The software actor probes installed binaries with --version and
	// expects "<name> <version>".
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", agent.ServiceName, version)
		return nil
	}

	log := logging.Default()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if opts.issueToken != "" {
		return issueToken(cfg, opts, stdout)
	}

	log.Info("starting Gray Logic agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	log.Info("configuration loaded", "path", opts.configPath)

	log, err = logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Close() //nolint:errcheck // Nothing left to log to
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if opts.migrateDown {
		return migrateDown(ctx, db, stdout)
	}
	if err := migrate(ctx, db, log); err != nil {
		return err
	}

	schema := entity.NewSchema(cfg.Device.TopicRoot)

	mqttClient, err := mqtt.Connect(cfg.MQTT, schema.Topic(agent.ServiceID(), entity.HealthChannel{}))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, fmt.Sprint(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var influxClient *influxdb.Client
	var metrics operation.Metrics = operation.NopMetrics{}
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Device.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	reg := registry.New(registry.NewSQLiteRepository(db.DB), cfg.Device.ID)
	reg.SetLogger(log.Component("registry"))

	ag := agent.New(schema, mqttClient, reg)
	ag.SetLogger(log.Component("agent"))
	ag.SetDeviceType(cfg.Device.Type)
	if influxClient != nil {
		ag.ReportEntities(influxClient, entityReportInterval)
	}

	if err := addActors(ag, cfg, schema, db.DB, mqttClient, metrics, log); err != nil {
		return err
	}

	srv, err := api.New(api.Deps{
		Config:          cfg.API,
		WS:              cfg.WebSocket,
		Tokens:          tokenSigner(cfg),
		Logger:          log.Component("api"),
		Registry:        reg,
		FileTransferDir: cfg.FileTransferDir(),
		Version:         version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	ag.AddComponent("api", srv.Run)
	ag.SetObserver(srv.Hub().ObserveCommand)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if err := ag.Run(ctx); err != nil {
		return err
	}
	log.Info("Gray Logic agent stopped")
	return nil
}

// addActors creates the enabled operation actors.
func addActors(ag *agent.Agent, cfg *config.Config, schema entity.Schema, db *sql.DB, bus operation.Publisher, metrics operation.Metrics, log *logging.Logger) error {
	ops := cfg.Operations
	client := transfer.NewHTTPClient(transfer.Config{
		Timeout:    cfg.TransferTimeout(),
		MaxRetries: ops.Transfer.MaxRetries,
		Authorize:  selfAuthorizer(cfg),
	})

	if ops.Firmware.Enabled {
		store, err := newRecoveryStore[firmware.Record](cfg, db, "firmware")
		if err != nil {
			return err
		}
		act := firmware.New(firmware.Config{
			Schema:           schema,
			Timeout:          cfg.FirmwareTimeout(),
			FileTransferHost: cfg.ExternalHost(),
			FileTransferDir:  cfg.FileTransferDir(),
		}, store, transfer.NewCache(cfg.CacheDir()), client, bus)
		act.SetLogger(log.Component("firmware"))
		act.SetMetrics(metrics)
		ag.AddActor("firmware", act)
	}

	if ops.Software.Enabled {
		store, err := newRecoveryStore[software.Record](cfg, db, "software")
		if err != nil {
			return err
		}
		runner := process.NewRunner()
		runner.SetLogger(log.Component("process"))
		act := software.New(software.Config{
			Schema:        schema,
			Target:        entity.MainDevice,
			PluginDir:     ops.Software.PluginDir,
			DefaultPlugin: ops.Software.DefaultPlugin,
			LogDir:        cfg.OperationLogDir(),
			TmpDir:        cfg.TmpDir(),
		}, store, runner, bus)
		act.SetLogger(log.Component("software"))
		act.SetMetrics(metrics)
		act.SetDownloader(client)
		if ops.Software.AgentBinary != "" {
			guard := operation.NewVersionGuard(runner, agent.ServiceName, version, ops.Software.AgentBinary)
			guard.SetLogger(log.Component("software"))
			act.SetVersionGuard(guard)
		}
		ag.AddActor("software", act)
	}

	if ops.Config.Enabled {
		mgr := configmgr.New(configmgr.Config{
			Schema: schema,
			Target: entity.MainDevice,
			Files:  ops.Config.Files,
		}, client, bus)
		mgr.SetLogger(log.Component("configmgr"))
		mgr.SetMetrics(metrics)
		ag.AddActor("config", mgr)
	}

	if ops.Log.Enabled {
		mgr := logmgr.New(logmgr.Config{
			Schema: schema,
			Target: entity.MainDevice,
			Files:  ops.Log.Files,
			TmpDir: cfg.TmpDir(),
		}, client, bus)
		mgr.SetLogger(log.Component("logmgr"))
		mgr.SetMetrics(metrics)
		ag.AddActor("log", mgr)
	}
	return nil
}

// newRecoveryStore opens the recovery store of one actor.
func newRecoveryStore[R any](cfg *config.Config, db *sql.DB, kind string) (recovery.Store[R], error) {
	switch cfg.Operations.RecoveryBackend {
	case config.RecoveryFile:
		return recovery.NewFileStore[R](filepath.Join(cfg.RecoveryDir(), kind)), nil
	case config.RecoverySQLite:
		return recovery.NewSQLiteStore[R](db, kind), nil
	default:
		return nil, fmt.Errorf("unknown recovery backend %q", cfg.Operations.RecoveryBackend)
	}
}

// selfAuthorizer signs the transfers the agent makes to its own file
// transfer service. It returns nil when API authentication is disabled.
func selfAuthorizer(cfg *config.Config) func(*http.Request) error {
	tokens := tokenSigner(cfg)
	if tokens == nil {
		return nil
	}
	hosts := map[string]bool{
		cfg.ExternalHost(): true,
		net.JoinHostPort(cfg.API.Host, fmt.Sprint(cfg.API.Port)): true,
	}
	return func(req *http.Request) error {
		if !hosts[req.URL.Host] {
			return nil
		}
		token, err := tokens.Issue(agent.ServiceName, auth.RoleOperator)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// tokenSigner returns the API token signer of the device, or nil when no
// JWT secret is configured.
func tokenSigner(cfg *config.Config) *auth.Signer {
	if cfg.Security.JWT.Secret == "" {
		return nil
	}
	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	return auth.NewSigner(cfg.Security.JWT.Secret, cfg.Device.ID, ttl)
}

// issueToken prints a signed API token.
func issueToken(cfg *config.Config, opts *options, stdout io.Writer) error {
	tokens := tokenSigner(cfg)
	if tokens == nil {
		return errors.New("security.jwt.secret is not set, API authentication is disabled")
	}
	token, err := tokens.Issue(opts.tokenSubject, auth.Role(opts.issueToken))
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// migrate applies the pending migrations. Versions unknown to this build
// were applied by a newer agent, typically before a software rollback.
func migrate(ctx context.Context, db *database.DB, log *logging.Logger) error {
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	st, err := db.Status(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if len(st.Unknown) > 0 {
		log.Warn("database was migrated by a newer agent", "versions", st.Unknown)
	}
	log.Info("database migrations complete", "applied", len(applied), "total", len(st.Applied))
	return nil
}

func migrateDown(ctx context.Context, db *database.DB, stdout io.Writer) error {
	version, err := db.MigrateDown(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reverting migration: %w", err)
	}
	if version == "" {
		fmt.Fprintln(stdout, "no migration to revert")
		return nil
	}
	fmt.Fprintf(stdout, "reverted migration %s\n", version)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil if InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
