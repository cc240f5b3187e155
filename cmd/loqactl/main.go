package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-pipeline/internal/config"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'print' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		cfg, err := loadFromArgs("validate", os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("config valid (node %s, stt=%s llm=%s tts=%s delivery=%s)\n",
			cfg.Node.ID, cfg.STT.Mode, cfg.LLM.Mode, cfg.TTS.Mode, cfg.Delivery.Mode)
	case "print":
		cfg, err := loadFromArgs("print", os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// loadFromArgs loads the file named by -config with environment overrides
// applied, as the daemon would see it.
func loadFromArgs(name string, args []string) (config.Config, error) {
	var configPath string
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&configPath, "config", "loqa.yaml", "Path to configuration file")
	_ = fs.Parse(args)
	return config.Load(configPath)
}
