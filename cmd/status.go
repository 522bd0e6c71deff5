package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/robunhq/robun/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}

			url := fmt.Sprintf("http://%s:%d/status", cfg.Gateway.Host, cfg.Gateway.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gateway unreachable at %s: %v\n", url, err)
				os.Exit(1)
			}
			defer resp.Body.Close()

			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				fmt.Fprintf(os.Stderr, "invalid status response: %v\n", err)
				os.Exit(1)
			}
			out, _ := json.MarshalIndent(body, "", "  ")
			fmt.Println(string(out))
		},
	}
}
