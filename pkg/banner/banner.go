package banner

import (
	"fmt"

	"relayd/pkg/config"
)

const banner = `
██████╗ ███████╗██╗      █████╗ ██╗   ██╗██████╗
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝██╔══██╗
██████╔╝█████╗  ██║     ███████║ ╚████╔╝ ██║  ██║
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝  ██║  ██║
██║  ██║███████╗███████╗██║  ██║   ██║   ██████╔╝
╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝   ╚═════╝
`

// Print prints the startup banner from the effective config.
func Print(eff config.EffectiveConfigResult, nodeID, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", eff.Addr)
	fmt.Printf("Log path:  %s\n", eff.DBPath)
	fmt.Printf("Backplane: %s", eff.Config.Backplane.Kind)
	if eff.Config.Backplane.Kind == "redis" {
		fmt.Printf(" (%s)", eff.Config.Backplane.Channel)
	}
	fmt.Println()
	fmt.Printf("Node:      %s\n", nodeID)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	if eff.Source != "" {
		fmt.Printf("Config sources: %s\n", eff.Source)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET /v1/relay  - WebSocket relay (connect, publish, push)")
	fmt.Println("GET /v1/stats  - relay stats")
	fmt.Println("GET /healthz   - liveness; GET /readyz - readiness")
	fmt.Println("GET /metrics   - Prometheus metrics")
}
