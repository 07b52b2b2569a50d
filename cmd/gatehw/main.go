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
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"gatehw/internal/app"
	"gatehw/internal/config"
	"gatehw/internal/db"
	"gatehw/internal/detect"
	"gatehw/internal/domain"
	"gatehw/internal/engine"
	"gatehw/internal/logging"
	"gatehw/internal/publish"
	"gatehw/internal/server"
	gatehwsdk "gatehw/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "gatehw",
	Short: "gatehw access-control hardware CLI",
	Long: `gatehw drives the card reader and relay board of an access-control gate.
- Workspace: the .gatehw directory holding the sqlite database, next to gatehw.yml.
- Roles: card_reader and relay_controller; each role is assigned one device.
- Operations: card_reader_test, relay_test, integrated_test, gate_trigger and connection_test.
  One operation at a time per role; start returns an id, status is polled.
- serve exposes the HTTP API; op commands talk to it with --server.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATEHW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "API base URL for op commands (default http://<server.addr>)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(testConnectionCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

// newLogger builds the process logger. CLI commands default to warn on the console so
// table output stays readable.
func newLogger(cfg *config.Config, service bool) (*zap.Logger, error) {
	level, format := "warn", "console"
	if service {
		level, format = cfg.Log.Level, cfg.Log.Format
	}
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	return logging.New(level, format, "gatehw")
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var simulate, watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer log.Sync()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			store := config.NewStore(cfg)
			e, conn, err := app.OpenEngine(ctx, workspace, store, log)
			if err != nil {
				return err
			}
			defer conn.Close()
			e.Simulate = simulate
			if simulate {
				log.Warn("simulation mode: all roles use in-memory devices")
			}

			if watch {
				reloads, err := config.Watch(ctx, store, config.Path(workspace), 0)
				if err != nil {
					log.Warn("config watch disabled", zap.Error(err))
				} else {
					go func() {
						for r := range reloads {
							if r.Err != nil {
								log.Warn("config reload failed", zap.String("path", r.Path), zap.Error(r.Err))
								continue
							}
							log.Info("config reloaded", zap.String("path", r.Path))
						}
					}()
				}
			}
			// Publishers outlive ctx so the events of operations stopped by Shutdown go out.
			pubCtx, cancelPubs := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelPubs()
			waitPubs := startPublishers(pubCtx, e, cfg, log)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Log: log.Named("http")})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			log.Info("serving gatehw API", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving gatehw API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			serveErr := srv.ListenAndServe()
			cancel()
			sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer scancel()
			if err := e.Shutdown(sctx); err != nil {
				log.Warn("operations still running at shutdown", zap.Error(err))
			}
			cancelPubs()
			waitPubs()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use in-memory devices for every role")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload gatehw.yml when it changes")
	return cmd
}

// startPublishers wires the event dispatcher and the live operation mirror for every
// enabled publisher. The returned func waits for both to flush after ctx ends.
func startPublishers(ctx context.Context, e *engine.Engine, cfg *config.Config, log *zap.Logger) func() {
	var pubs []publish.Publisher
	var sinks []publish.OperationSink
	if cfg.Publish.Redis.Enabled {
		r := publish.NewRedis(cfg.Publish)
		if err := r.Ping(ctx); err != nil {
			log.Warn("redis unreachable, publishing anyway", zap.String("addr", cfg.Publish.Redis.Addr), zap.Error(err))
		}
		pubs = append(pubs, r)
		sinks = append(sinks, r)
	}
	if cfg.Publish.MQTT.Enabled {
		m, err := publish.NewMQTT(cfg.Publish)
		if err != nil {
			log.Warn("mqtt publishing disabled", zap.Error(err))
		} else {
			pubs = append(pubs, m)
			sinks = append(sinks, m)
		}
	}
	if len(pubs) == 0 {
		return func() {}
	}
	var wg sync.WaitGroup
	d := publish.NewDispatcher(e.Repo, pubs, nil, log.Named("publish"))
	mirror := publish.NewMirror(sinks, 0, log.Named("mirror"))
	e.Registry.Subscribe(mirror.Notify)
	// The dispatcher closes the shared clients, so it stops after the mirror drained.
	dctx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stopDispatch()
		mirror.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.Run(dctx)
	}()
	return wg.Wait
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "List attached USB, serial and HID devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			inv, err := detect.NewScanner(log).Scan()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(inv)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle("USB devices")
			tw.AppendHeader(table.Row{"Key", "Bus", "Device", "Description", "Path"})
			for _, d := range inv.USBDevices {
				tw.AppendRow(table.Row{d.Key(), d.Bus, d.Device, d.Description, d.DevicePath})
			}
			tw.Render()

			tw = table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle("Serial ports")
			tw.AppendHeader(table.Row{"Path", "Type", "Accessible", "USB ID", "Product"})
			for _, p := range inv.SerialPorts {
				id := ""
				if p.VendorID != "" {
					id = p.VendorID + ":" + p.ProductID
				}
				tw.AppendRow(table.Row{p.Path, p.Type, p.Accessible, id, p.Product})
			}
			tw.Render()

			tw = table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle("HID devices")
			tw.AppendHeader(table.Row{"Path", "Name", "HID ID"})
			for _, h := range inv.HIDDevices {
				tw.AppendRow(table.Row{h.Path, h.Name, h.HIDID})
			}
			tw.Render()
			return nil
		},
	}
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Manage device assignments",
		Long:  "Assignments bind each role to a device key (a /dev path, usb:vvvv:pppp or sim). They are stored in the workspace database.",
	}
	cmd.AddCommand(assignListCmd())
	cmd.AddCommand(assignSetCmd())
	cmd.AddCommand(assignClearCmd())
	return cmd
}

func assignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List device assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.GetDeviceAssignments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Device key", "Path", "Type", "Updated"})
				for _, a := range list {
					tw.AppendRow(table.Row{a.Role, a.DeviceKey, a.DevicePath, a.DeviceType, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assignSetCmd() *cobra.Command {
	var a domain.Assignment
	var role string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a device to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Role = domain.Role(role)
			if a.DevicePath == "" && strings.HasPrefix(a.DeviceKey, "/dev/") {
				a.DevicePath = a.DeviceKey
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.SaveDeviceAssignments(ctx, []domain.Assignment{a})
				if err != nil {
					return err
				}
				return printJSONOrTable(list)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "card_reader or relay_controller")
	cmd.Flags().StringVar(&a.DeviceKey, "key", "", "device key (/dev path, usb:vvvv:pppp or sim)")
	cmd.Flags().StringVar(&a.DevicePath, "path", "", "device node (defaults to the key for /dev keys)")
	cmd.Flags().StringVar(&a.DeviceType, "type", "", "device type label")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func assignClearCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the assignment for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteDeviceAssignment(ctx, domain.Role(role)); err != nil {
					return err
				}
				fmt.Printf("cleared %s\n", role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "card_reader or relay_controller")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func opCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "op",
		Short: "Start, follow and stop operations on a running server",
	}
	cmd.AddCommand(opStartCmd())
	cmd.AddCommand(opStatusCmd())
	cmd.AddCommand(opStopCmd())
	cmd.AddCommand(opListCmd())
	cmd.AddCommand(opRunCmd())
	return cmd
}

func operationFlags(cmd *cobra.Command, p *gatehwsdk.Params) {
	cmd.Flags().StringVar(&p.ID, "id", "", "operation id (generated when empty)")
	cmd.Flags().IntVar(&p.TimeoutSeconds, "timeout", 0, "card wait timeout in seconds")
	cmd.Flags().BoolVar(&p.Continuous, "continuous", false, "card_reader_test, integrated_test: keep reading until stopped")
	cmd.Flags().IntSliceVar(&p.Channels, "channels", nil, "relay_test: channels to pulse")
	cmd.Flags().IntVar(&p.HoldMillis, "hold-ms", 0, "relay_test: pulse length")
	cmd.Flags().IntVar(&p.DurationSeconds, "duration", 0, "gate_trigger: seconds to hold the gate")
	cmd.Flags().IntVar(&p.Channel, "channel", 0, "gate_trigger: relay channel")
	cmd.Flags().StringVar(&p.Path, "path", "", "connection_test: device path")
	cmd.Flags().IntVar(&p.BaudRate, "baud", 0, "serial baud rate")
}

func opStartCmd() *cobra.Command {
	var role string
	var follow bool
	var p gatehwsdk.Params
	cmd := &cobra.Command{
		Use:   "start <kind>",
		Short: "Start an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			id, err := c.StartOperation(cmd.Context(), args[0], role, p)
			if err != nil {
				return err
			}
			if !follow {
				return printJSONOrTable(map[string]any{"accepted": true, "operation_id": id})
			}
			fmt.Printf("operation %s accepted\n", id)
			op, err := c.Follow(cmd.Context(), id, 0, func(line string) { fmt.Println(line) })
			if errors.Is(err, context.Canceled) {
				// Interrupted: ask the server to stop and report the final state.
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = c.StopOperation(sctx, id)
				op, err = c.Follow(sctx, id, 0, func(line string) { fmt.Println(line) })
			}
			if err != nil {
				return err
			}
			return printResult(op)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (required for connection_test)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "print details until the operation finishes")
	operationFlags(cmd, &p)
	return cmd
}

// opRunCmd runs an operation in-process against the workspace devices, without a server.
func opRunCmd() *cobra.Command {
	var role string
	var p gatehwsdk.Params
	var simulate bool
	cmd := &cobra.Command{
		Use:   "run <kind>",
		Short: "Run an operation in this process and print its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				e.Simulate = simulate
				id, err := e.StartOperation(ctx, domain.Kind(args[0]), domain.Role(role), domain.Params{
					ID:              p.ID,
					TimeoutSeconds:  p.TimeoutSeconds,
					Continuous:      p.Continuous,
					Channels:        p.Channels,
					HoldMillis:      p.HoldMillis,
					DurationSeconds: p.DurationSeconds,
					Channel:         p.Channel,
					Path:            p.Path,
					BaudRate:        p.BaudRate,
				})
				if err != nil {
					return err
				}
				seen := 0
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				done := ctx.Done()
				for {
					op, err := e.GetOperationStatus(id, seen)
					if err != nil {
						return err
					}
					for _, line := range op.Details {
						fmt.Println(line)
					}
					seen = op.DetailCount
					if op.Status.Terminal() {
						sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = e.Shutdown(sctx)
						return printJSONOrTable(op.Result)
					}
					select {
					case <-done:
						done = nil
						_, _ = e.StopOperation(context.Background(), id)
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (required for connection_test)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use in-memory devices")
	operationFlags(cmd, &p)
	return cmd
}

func opStatusCmd() *cobra.Command {
	var since int
	var follow bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show operation status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if follow {
				op, err := c.Follow(cmd.Context(), args[0], 0, func(line string) { fmt.Println(line) })
				if err != nil {
					return err
				}
				return printResult(op)
			}
			op, err := c.Operation(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSONOrTable(op)
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "only return details after this many lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print details until the operation finishes")
	return cmd
}

func opStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Request an operation to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			live, err := c.StopOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"operation_id": args[0], "stopped": live})
		},
	}
}

func opListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List operations held by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ops, err := c.ListOperations(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ops)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Kind", "Role", "Status", "Phase", "Started"})
			for _, op := range ops {
				tw.AppendRow(table.Row{op.ID, op.Kind, op.Role, op.Status, op.Phase, op.StartedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func testConnectionCmd() *cobra.Command {
	var devicePath string
	cmd := &cobra.Command{
		Use:   "test-connection <role>",
		Short: "Test the device connection for a role",
		Long:  "Runs against --server when set, otherwise in this process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("server") != "" {
				c, err := apiClient()
				if err != nil {
					return err
				}
				res, err := c.TestConnection(cmd.Context(), args[0], devicePath)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.TestDeviceConnection(ctx, domain.Role(args[0]), devicePath)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&devicePath, "path", "", "device path to test instead of the assignment")
	return cmd
}

func historyCmd() *cobra.Command {
	var n int
	var operationID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived operation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				runs, err := e.OperationHistory(ctx, operationID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Kind", "Status", "Phase", "Finished"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.Seq, r.OperationID, r.Kind, r.Status, r.Phase, r.FinishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of runs")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "only runs of this operation id")
	return cmd
}

func accessCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "access",
		Short: "List access decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.AccessLog(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Card", "Granted", "Reason", "Operation"})
				for _, a := range list {
					tw.AppendRow(table.Row{a.TS, a.Identifier, a.Granted, a.Reason, a.OperationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage gatehw.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gatehw.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate gatehw.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Sync()
	e, conn, err := app.OpenEngine(ctx, viper.GetString("workspace"), config.NewStore(cfg), log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func apiClient() (*gatehwsdk.Client, error) {
	base := viper.GetString("server")
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Addr
	}
	return gatehwsdk.New(base), nil
}

func printResult(op gatehwsdk.Operation) error {
	if viper.GetBool("json") {
		return printJSON(op)
	}
	fmt.Printf("status: %s", op.Status)
	if op.Phase != "" {
		fmt.Printf(" (%s)", op.Phase)
	}
	fmt.Println()
	if len(op.Result) > 0 {
		b, _ := json.MarshalIndent(op.Result, "", "  ")
		fmt.Println(string(b))
	}
	if op.Status == "error" {
		return fmt.Errorf("operation %s failed", op.ID)
	}
	return nil
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
