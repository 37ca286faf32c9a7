package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("agentbox doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going; the Config check reports the failure.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(os.Stdout, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "agentbox doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s), agentbox %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-13s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
