package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List enabled providers and their write capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Printf("%-14s %-9s %-6s %-10s %s\n", "provider", "priority", "name", "equipment", "create")
		for i, p := range eng.registry.All() {
			caps := p.Capabilities()
			fmt.Printf("%-14s %-9d %-6v %-10v %v\n", p.Name(), i+1, caps.UpdateName, caps.UpdateEquipment, caps.CreateActivity)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
