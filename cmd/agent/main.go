package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mecha-agent/agent/internal/config"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/logging"
	"github.com/mecha-agent/agent/internal/notify"
	"github.com/mecha-agent/agent/internal/provisioning"
	"github.com/mecha-agent/agent/internal/settingsstore"
	"github.com/mecha-agent/agent/internal/supervisor"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

const (
	setupPollInterval = 10 * time.Second
	setupPollDeadline = 60 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: agent <start|setup|whoami|reset> --settings <path> [flags]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "reset":
		runReset(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	settingsPath := fs.String("settings", "", "path to the settings YAML file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *settingsPath == "" {
		fmt.Fprintln(os.Stderr, "--settings is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// runStart runs the supervisor until SIGINT/SIGTERM. The --server flag is
// accepted for parity with the original CLI surface but the local RPC
// surface it would enable is out of core scope (spec.md §6).
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	initServer := fs.Bool("server", false, "initialize the local RPC surface")
	settingsPath := fs.String("settings", "", "path to the settings YAML file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *settingsPath == "" {
		fmt.Fprintln(os.Stderr, "--settings is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LoggingEnabled())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("mecha agent " + versionString())
	if *initServer {
		fmt.Println("note: --server's local RPC surface is not part of this build")
	}
	fmt.Println("=============================================")
	fmt.Printf("data.dir=%s\n", cfg.DataDir)
	fmt.Printf("backend.service=%s\n", cfg.BackendService)
	fmt.Printf("broker.url=%s\n", cfg.BrokerURL)

	store, err := settingsstore.Open(cfg.DataDir + "/kvstore/settings.db")
	if err != nil {
		log.Error("failed to open settings store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	notifiers := buildNotifiers(store, log)

	sv := supervisor.New(cfg, log.Logger, store, notifiers...)

	log.Info("agent started", "version", version, "commit", commit)
	sv.Run(ctx)
	log.Info("agent shutdown complete")
}

// buildNotifiers reads notify.mqtt / notify.webhook settings (if present)
// and constructs the corresponding notify.Notifier instances. Both are
// optional: an agent with neither configured runs with no notification
// fan-out.
func buildNotifiers(store *settingsstore.Store, log *logging.Logger) []notify.Notifier {
	var notifiers []notify.Notifier

	if raw, found, _ := store.Get("notify.mqtt.broker"); found && raw != "" {
		topic, _, _ := store.Get("notify.mqtt.topic")
		clientID, _, _ := store.Get("notify.mqtt.client_id")
		username, _, _ := store.Get("notify.mqtt.username")
		password, _, _ := store.Get("notify.mqtt.password")
		notifiers = append(notifiers, notify.NewMQTT(raw, topic, clientID, username, password, 1))
	}

	if raw, found, _ := store.Get("notify.webhook.url"); found && raw != "" {
		notifiers = append(notifiers, notify.NewWebhook(raw, nil))
	}

	return notifiers
}

// runSetup generates a pairing code, then polls provision_by_code every
// 10s for up to 60s total, per spec.md's provisioning-poll deadline.
func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	code, err := provisioning.GenerateCode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate code: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("code generated: %s\n", code)
	fmt.Println("Waiting for provisioning ...")

	httpClient := &http.Client{Timeout: 15 * time.Second}
	bus := events.New()
	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(setupPollDeadline)
	defer deadline.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for {
		select {
		case <-ticker.C:
			if err := provisioning.ProvisionByCode(ctx, httpClient, cfg.BackendService, cfg.DataDir, code, bus); err != nil {
				fmt.Fprintf(os.Stderr, "provisioning attempt failed: %v\n", err)
				continue
			}
			fmt.Println("Provisioning successful.")
			return

		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "request timed out waiting for provisioning")
			os.Exit(1)

		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "setup cancelled")
			os.Exit(1)
		}
	}
}

// runWhoami prints the machine's provisioning status, identity, and any
// persisted name/alias settings.
func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	identityActor := identity.New(cfg.DataDir)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go identityActor.Run(ctx)

	ident, err := identity.GetMachineCert(ctx, identityActor.Commands())
	if err != nil {
		fmt.Println("Machine is not provisioned.")
		return
	}

	fmt.Printf("Machine ID:   %s\n", ident.MachineID)
	fmt.Printf("Serial:       %s\n", ident.SerialNumber)
	fmt.Printf("Fingerprint:  %s\n", ident.Fingerprint)

	store, err := settingsstore.Open(cfg.DataDir + "/kvstore/settings.db")
	if err != nil {
		return
	}
	defer store.Close()

	if name, found, _ := store.Get("identity.machine.name"); found {
		fmt.Printf("Name:         %s\n", name)
	}
	if alias, found, _ := store.Get("identity.machine.alias"); found {
		fmt.Printf("Alias:        %s\n", alias)
	}
}

// runReset prompts for confirmation, then de-provisions the machine.
func runReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	identityActor := identity.New(cfg.DataDir)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go identityActor.Run(ctx)

	machineID, err := identity.GetMachineID(ctx, identityActor.Commands())
	if err != nil {
		fmt.Fprintln(os.Stderr, "machine is not provisioned")
		os.Exit(1)
	}

	fmt.Printf("Are you sure you want to reset the agent (Machine ID: %s) [Y/N] - ? ", machineID)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		store, err := settingsstore.Open(cfg.DataDir + "/kvstore/settings.db")
		if err != nil {
			fmt.Fprintf(os.Stderr, "open settings store: %v\n", err)
			os.Exit(1)
		}
		removeSettings := func() error { return store.RemoveAll() }

		log := logging.New(false)
		if err := provisioning.Deprovision(cfg.DataDir, machineID, events.New(), removeSettings, log.Logger); err != nil {
			fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("De-provisioning successful.")

	default:
		fmt.Println("Reset aborted.")
	}
}
