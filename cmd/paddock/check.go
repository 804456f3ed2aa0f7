package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctflabs/paddock/pkg/catalog"
	"github.com/ctflabs/paddock/pkg/keychain"
)

var checkCmd = &cobra.Command{
	Use:   "check [challenges-dir]",
	Short: "Validate a challenge catalog directory",
	Long: `Parse and validate every challenge spec in a directory without touching
any host: slug grammar, duplicate slugs, expose ports, and static TCP port
collisions. With --keychains, also validates the host keychain file and
verifies that every referenced host id resolves.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challs, err := catalog.LoadDir(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d challenge(s) valid\n", len(challs))

		keychainsPath, _ := cmd.Flags().GetString("keychains")
		if keychainsPath == "" {
			return nil
		}

		keychains, err := keychain.Load(keychainsPath)
		if err != nil {
			return err
		}
		for slug, ch := range challs {
			if _, err := keychains.Lookup(ch.HostID); err != nil {
				return fmt.Errorf("challenge %s: %w", slug, err)
			}
		}
		fmt.Printf("✓ %d host keychain(s) valid\n", len(keychains.Hosts()))
		return nil
	},
}

func init() {
	checkCmd.Flags().String("keychains", "", "path to the host keychain JSON file")
}
