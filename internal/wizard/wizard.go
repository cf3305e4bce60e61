// Package wizard provides an interactive setup wizard for aronia.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/aronia/internal/config"
	"github.com/postalsys/aronia/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Pubkey     identity.PublicKey
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup and writes the config file. The
// identity keyfile is loaded if it exists and generated otherwise.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, keyFile, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	topic, err := w.askTopic()
	if err != nil {
		return nil, err
	}

	listeners, bootstrap, err := w.askSwarm()
	if err != nil {
		return nil, err
	}

	whitelist, autoAccept, err := w.askTrust()
	if err != nil {
		return nil, err
	}

	controlEnabled, metricsEnabled, logLevel, err := w.askAdvanced()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Agent.KeyFile = keyFile
	cfg.Agent.LogLevel = logLevel
	cfg.Topic = topic
	cfg.Swarm.Listeners = listeners
	cfg.Swarm.Bootstrap = bootstrap
	cfg.Trust.Whitelist = whitelist
	cfg.Trust.AutoAcceptFrom = autoAccept
	cfg.Control.Enabled = controlEnabled
	cfg.Metrics.Enabled = metricsEnabled

	kp, created, err := identity.LoadOrCreate(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(kp.Public, created, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		Pubkey:     kp.Public,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
     _    ____   ___  _   _ ___    _
    / \  |  _ \ / _ \| \ | |_ _|  / \
   / _ \ | |_) | | | |  \| || |  / _ \
  / ___ \|  _ <| |_| | |\  || | / ___ \
 /_/   \_\_| \_\\___/|_| \_|___/_/   \_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Peer-to-peer agent fabric - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath, keyFile string, err error) {
	configPath = "./config.yaml"
	keyFile = "./data/node.key"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your node."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Key File").
				Description("Where to store the node's signing key seed").
				Placeholder("./data/node.key").
				Value(&keyFile).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("key file is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askTopic() (string, error) {
	var topic string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Topic").
				Description("Nodes rendezvous on a named topic. Every node on the\nsame topic can discover the others."),

			huh.NewInput().
				Title("Topic Name").
				Placeholder("my-fabric").
				Value(&topic).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("topic is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return topic, nil
}

func (w *Wizard) askSwarm() (listeners, bootstrap []config.EndpointConfig, err error) {
	transport := "tcp"
	listenAddr := "0.0.0.0:4817"
	listen := true
	var bootstrapList string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Swarm").
				Description("Configure how this node reaches its peers."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Options(
					huh.NewOption("TCP (simplest)", "tcp"),
					huh.NewOption("QUIC (UDP)", "quic"),
					huh.NewOption("WebSocket (proxy-friendly)", "ws"),
				).
				Value(&transport),

			huh.NewConfirm().
				Title("Accept inbound connections?").
				Value(&listen),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:4817").
				Value(&listenAddr).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewText().
				Title("Bootstrap Addresses").
				Description("One host:port per line; leave empty for a listen-only node").
				Value(&bootstrapList),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return nil, nil, err
	}

	if listen && listenAddr != "" {
		listeners = append(listeners, config.EndpointConfig{Transport: transport, Address: listenAddr})
	}
	for _, line := range strings.Split(bootstrapList, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bootstrap = append(bootstrap, config.EndpointConfig{Transport: transport, Address: line})
	}
	return listeners, bootstrap, nil
}

func (w *Wizard) askTrust() (whitelist, autoAccept []string, err error) {
	var whitelistText, autoAcceptText string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Trust").
				Description("Only whitelisted public keys are admitted. Introducers\nin the auto-accept set can vouch for new peers without\nmanual approval."),

			huh.NewText().
				Title("Whitelisted Pubkeys").
				Description("One hex public key per line").
				Value(&whitelistText),

			huh.NewText().
				Title("Auto-Accept Introducers").
				Description("One hex public key per line (optional)").
				Value(&autoAcceptText),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return nil, nil, err
	}

	parse := func(text string) ([]string, error) {
		var keys []string
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := identity.ParsePublicKey(line); err != nil {
				return nil, fmt.Errorf("bad pubkey %q: %w", line, err)
			}
			keys = append(keys, line)
		}
		return keys, nil
	}

	if whitelist, err = parse(whitelistText); err != nil {
		return nil, nil, err
	}
	if autoAccept, err = parse(autoAcceptText); err != nil {
		return nil, nil, err
	}
	return whitelist, autoAccept, nil
}

func (w *Wizard) askAdvanced() (controlEnabled, metricsEnabled bool, logLevel string, err error) {
	controlEnabled = true
	metricsEnabled = false
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Required for the status/peers/trust CLI commands").
				Value(&controlEnabled),

			huh.NewConfirm().
				Title("Enable Prometheus metrics?").
				Value(&metricsEnabled),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("info", "info"),
					huh.NewOption("debug", "debug"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(pub identity.PublicKey, created bool, configPath string, cfg *config.Config) {
	keyStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	fmt.Println()
	if created {
		fmt.Println(dimStyle.Render("  Generated a new node identity."))
	}
	fmt.Println("  Public key:", keyStyle.Render(pub.String()))
	fmt.Println("  Config:    ", configPath)
	fmt.Println("  Topic:     ", cfg.Topic)
	fmt.Println()
	fmt.Println(dimStyle.Render("  Share the public key with peers that should whitelist this node."))
	fmt.Println(dimStyle.Render("  Start the node with: aronia run --config " + configPath))
	fmt.Println()
}
