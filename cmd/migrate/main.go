// migrate runs DB migrations from embedded SQL: go run ./cmd/migrate -direction up|down|version.
package main

import (
	"flag"
	"fmt"
	"os"

	"captcha-gate/internal/config"
	"captcha-gate/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down, or version to print the applied version")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env or set DATABASE_URL")
		os.Exit(1)
	}

	if *direction == "version" {
		version, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return
	}
	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
