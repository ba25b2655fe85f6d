package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/custody/internal/core/cipher"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master encryption key for CUSTODY_ENCRYPTION_KEY",
	Args:  cobra.NoArgs,
	Run:   runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) {
	key, err := cipher.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
