// Package wizard provides a small interactive helper for generating a
// fresh MOSH_KEY and picking a server port range, for operators who would
// rather answer three prompts than hand-edit YAML. It is intentionally thin:
// the only per-session secret is the 16-byte MOSH_KEY, which is generated
// fresh per connection rather than negotiated, and the only server-side
// choices are the port range and prediction mode, so there is nothing else
// to wizard through.
package wizard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/roamshell/internal/crypto"
)

// GenerateKey returns a fresh random MOSH_KEY, base64-encoded without
// padding.
func GenerateKey() (string, error) {
	var key [crypto.PresharedKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("wizard: generate key: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(key[:]), nil
}

// Answers is the small set of choices the interactive form collects.
type Answers struct {
	PortLow    int
	PortHigh   int
	Prediction string // "adaptive" | "always" | "never"
}

var banner = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

// Run presents a short interactive form for the two server-side choices
// that aren't part of the per-session secret exchange, returning the
// operator's answers. Defaults match config.Default().
func Run(portLow, portHigh int, prediction string) (Answers, error) {
	ans := Answers{PortLow: portLow, PortHigh: portHigh, Prediction: prediction}

	portLowStr := fmt.Sprintf("%d", ans.PortLow)
	portHighStr := fmt.Sprintf("%d", ans.PortHigh)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(banner.Render("roamshell setup")).
				Description("Pick a UDP port range and a prediction mode. The session key is generated separately for each connection."),
			huh.NewInput().Title("Lowest server port").Value(&portLowStr),
			huh.NewInput().Title("Highest server port").Value(&portHighStr),
			huh.NewSelect[string]().
				Title("Local-echo prediction mode").
				Options(
					huh.NewOption("adaptive (recommended)", "adaptive"),
					huh.NewOption("always", "always"),
					huh.NewOption("never", "never"),
				).
				Value(&ans.Prediction),
		),
	)
	if err := form.Run(); err != nil {
		return Answers{}, fmt.Errorf("wizard: run form: %w", err)
	}

	if _, err := fmt.Sscanf(portLowStr, "%d", &ans.PortLow); err != nil {
		return Answers{}, fmt.Errorf("wizard: parse port_low: %w", err)
	}
	if _, err := fmt.Sscanf(portHighStr, "%d", &ans.PortHigh); err != nil {
		return Answers{}, fmt.Errorf("wizard: parse port_high: %w", err)
	}
	return ans, nil
}
