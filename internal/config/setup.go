package config

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration,
// reading answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}
	return w.run(cfg)
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
	eof    bool
}

func (w *wizard) run(cfg *Config) error {
	fmt.Fprintln(w.out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(w.out, "║          Lobby Hub - First Run Setup         ║")
	fmt.Fprintln(w.out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(w.out)

	hub := cfg.GetHub()
	app := cfg.GetApplication()

	fmt.Fprintln(w.out, "── Hub Identity ──")
	hub.Name = w.promptString("Hub name", hub.Name)
	hub.PublicAddress = w.promptString("Public address players use to reach instances", hub.PublicAddress)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Game Instances ──")
	hub.InstanceExecutable = w.promptString("Instance executable", defaultExecutable(hub.InstanceExecutable))
	hub.InstanceWorkDir = w.promptString("Instance working directory (blank for current)", hub.InstanceWorkDir)
	hub.MaxInstances = w.promptInt("Maximum concurrent instances", hub.MaxInstances)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Network Ports ──")
	hub.HubPort = w.promptInt("Hub beacon port", hub.HubPort)
	hub.InstanceBasePort = w.promptInt("Instance base port", hub.InstanceBasePort)
	hub.APIPort = w.promptInt("REST API port", hub.APIPort)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Security ──")
	if token := w.promptString("Admin API token (blank to disable auth)", ""); token != "" {
		app.Security.AdminToken = token
	}
	if key := w.promptString("Dedicated server access key (blank for none)", ""); key != "" {
		hub.AccessKeys = append(hub.AccessKeys, key)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── MQTT Telemetry ──")
	app.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = w.promptString("MQTT broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = w.promptInt("MQTT broker port", app.MQTT.Port)
	}

	cfg.SetHub(hub)
	cfg.SetApplication(app)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(w.out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(w.out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := w.promptString("Would you like to try again? (yes/no)", "yes")
		if !w.eof && strings.ToLower(retry) == "yes" {
			return w.run(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, warn := range result.Warnings {
		log.Warn().Str("field", warn.Field).Msg(warn.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "✓ Configuration saved successfully!")
	fmt.Fprintln(w.out)
	return nil
}

func (w *wizard) readLine() string {
	input, err := w.reader.ReadString('\n')
	if err != nil {
		w.eof = true
	}
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	return input
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func defaultExecutable(current string) string {
	if current != "" {
		return current
	}
	if runtime.GOOS == "windows" {
		return "C:\\Games\\Instance\\Binaries\\Win64\\GameServer.exe"
	}
	return "/opt/game/Binaries/Linux/GameServer"
}
