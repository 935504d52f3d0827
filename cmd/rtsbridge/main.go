// Command rtsbridge owns a CUL stick on a serial port and transmits Somfy
// RTS command frames through it, confirming each by the stick's echo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banshee-data/rts.bridge/internal/api"
	"github.com/banshee-data/rts.bridge/internal/config"
	"github.com/banshee-data/rts.bridge/internal/db"
	"github.com/banshee-data/rts.bridge/internal/monitoring"
	"github.com/banshee-data/rts.bridge/internal/mqttbridge"
	"github.com/banshee-data/rts.bridge/internal/serialmux"
	"github.com/banshee-data/rts.bridge/internal/transport"
	"github.com/banshee-data/rts.bridge/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON or YAML configuration file")
	port          = flag.String("port", "", "Serial port of the CUL stick, e.g. /dev/ttyACM0")
	baud          = flag.Int("baud", 0, "Serial baud rate (default 9600)")
	listen        = flag.String("listen", "", "HTTP listen address (default :8080)")
	dbPath        = flag.String("db", "", "Path to the SQLite command log (default rtsbridge.db)")
	logFile       = flag.String("log-file", "", "Write logs to this file with rotation instead of stderr")
	sendCommand   = flag.String("send", "", "Send one command, report the outcome and exit")
	listPorts     = flag.Bool("list", false, "List serial ports and exit")
	devMode       = flag.Bool("dev", false, "Use a simulated CUL stick that echoes every command")
	disableSerial = flag.Bool("disable-serial", false, "Run without a CUL stick; every send fails fast")
	debug         = flag.Bool("debug", false, "Enable debug logging")
	issueToken    = flag.String("issue-token", "", "Print an API token for this subject and exit (needs http.jwt_secret)")
	tokenTTL      = flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of tokens printed by -issue-token")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

// loadConfig reads the configuration file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	cfg.Apply(config.Overrides{
		Port:          *port,
		BaudRate:      *baud,
		Listen:        *listen,
		DBPath:        *dbPath,
		LogFile:       *logFile,
		DisableSerial: *disableSerial,
		Debug:         *debug,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging routes the standard logger through a rotating file when one
// is configured. The returned closer flushes it.
func setupLogging(cfg *config.Config) io.Closer {
	monitoring.SetDebug(cfg.GetDebug())
	if cfg.GetLogFile() == "" {
		return nopCloser{}
	}
	w := &lumberjack.Logger{
		Filename:   cfg.GetLogFile(),
		MaxSize:    cfg.GetLogMaxSizeMB(),
		MaxBackups: cfg.GetLogMaxBackups(),
		MaxAge:     cfg.GetLogMaxAgeDays(),
		Compress:   true,
	}
	log.SetOutput(w)
	return w
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openLink picks the serial link for this run: simulated, disabled, or the
// real device.
func openLink(cfg *config.Config, dev bool) (serialmux.LinkInterface, error) {
	switch {
	case dev:
		log.Printf("dev mode: using simulated CUL stick")
		return serialmux.NewMockLink(serialmux.EchoOptions{
			Delay:       5 * time.Millisecond,
			Fragments:   2,
			FragmentGap: 10 * time.Millisecond,
		}), nil
	case cfg.GetSerialDisabled():
		log.Printf("serial disabled: commands will not be transmitted")
		return serialmux.NewDisabledLink(), nil
	}

	path := cfg.GetSerialPort()
	if path == "" {
		return nil, errors.New("serial port is required (use -port, -dev or -disable-serial)")
	}
	opts := cfg.PortOptions()
	link, err := serialmux.OpenLink(path, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("opened %s at %s", path, opts)
	return link, nil
}

// sendOnce transmits one command and returns the process exit code.
func sendOnce(ctx context.Context, tr *transport.CommandTransport, command string, out io.Writer) int {
	res, err := tr.SendContext(ctx, command)
	if err != nil {
		fmt.Fprintf(out, "%s: %s (%v)\n", command, res.Outcome, err)
		return 1
	}
	fmt.Fprintf(out, "%s: confirmed in %v\n", command, res.Latency.Round(time.Millisecond))
	return 0
}

// closeAll closes each closer in order, logging failures.
func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Printf("close failed: %v", err)
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("%v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *issueToken != "" {
		auth := api.NewAuthenticator(cfg.GetJWTSecret())
		if auth == nil {
			log.Fatal("-issue-token needs http.jwt_secret in the configuration")
		}
		token, err := auth.Issue(*issueToken, *tokenTTL)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logCloser := setupLogging(cfg)
	defer logCloser.Close()
	log.Printf("starting %s", version.String())

	link, err := openLink(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer link.Close()

	commandLog, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to open command log: %v", err)
	}
	defer commandLog.Close()

	opts := cfg.TransportOptions()
	opts.Recorder = commandLog
	tr := transport.New(link, opts)
	defer tr.Close()

	// Create a wait group for the HTTP server, serial monitor and MQTT routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if *sendCommand != "" {
		code := sendOnce(ctx, tr, *sendCommand, os.Stdout)
		stop()
		tr.Close()
		wg.Wait()
		// os.Exit skips the deferred closes
		closeAll(commandLog, logCloser)
		os.Exit(code)
	}

	if cfg.MQTTEnabled() {
		bridge := mqttbridge.New(mqttbridge.Options{
			Broker:      cfg.GetMQTTBroker(),
			ClientID:    cfg.GetMQTTClientID(),
			Username:    cfg.GetMQTTUsername(),
			Password:    cfg.GetMQTTPassword(),
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
			QoS:         cfg.GetMQTTQoS(),
		}, tr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Printf("mqtt bridge stopped: %v", err)
			}
			log.Print("mqtt routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		auth := api.NewAuthenticator(cfg.GetJWTSecret())
		mux := api.NewServer(tr, commandLog, link, auth).ServeMux()

		serialmux.AttachAdminRoutes(mux, link, tr)
		commandLog.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:              cfg.GetListen(),
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// in-flight sends are interrupted by closing the transport below
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	// interrupt any send still waiting for its echo so handlers can return
	tr.Close()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
