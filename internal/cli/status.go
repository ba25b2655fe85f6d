package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/trading/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider, queue and breaker status of a running service",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/health/detailed", host, cfg.Server.Port)

	report, err := fetchReport(cmd.Context(), url)
	if err != nil {
		slog.Error("Failed to fetch status", "url", url, "error", err)
		os.Exit(1)
	}
	printReport(report)
}

func fetchReport(ctx context.Context, url string) (*health.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

func printReport(r *health.Report) {
	fmt.Printf("Status: %s (checked %s)\n\n", r.Status, r.CheckedAt.Format(time.RFC3339))

	networks := make([]domain.Network, 0, len(r.Providers))
	for n := range r.Providers {
		networks = append(networks, n)
	}
	slices.Sort(networks)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NETWORK\tPROVIDER\tWALLETS\tQUEUED\tIN FLIGHT\tPAUSED\tGAS")
	for _, n := range networks {
		p := r.Providers[n]
		q := r.Queues[n]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\t%t\t%s\n",
			n, p.Status, r.Wallets[n], q.QueueSize, q.InFlight, q.Paused, q.GasPrice.Formatted)
	}
	_ = w.Flush()

	if len(r.Breakers) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BREAKER\tSTATE\tFAILURES")
	for _, b := range r.Breakers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", b.Name, b.State, b.ConsecutiveFails)
	}
	_ = w.Flush()
}
