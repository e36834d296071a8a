package main

import (
	"flag"
	"log"

	"github.com/danmuck/fcgirelay/internal/config"
)

func main() {
	kind := flag.String("kind", "relay", "config kind: relay|worker")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing relay config file")
	input := flag.String("input", "relay.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "relay" {
			log.Fatalf("validation supports kind relay only, got %s", *kind)
		}
		if _, err := config.LoadRelayConfig(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated relay config at %s", *input)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "relay":
			target = "relay.toml"
		case "worker":
			target = "worker.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
