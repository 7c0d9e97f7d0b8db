package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nubiot/fleetsync/pkg/client"
	"github.com/nubiot/fleetsync/pkg/types"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Manage devices, groups and credentials",
}

var fleetDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List fleet devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := client.NewClient(apiAddr).ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%-36s %-20s %-20s %s\n", "ID", "NAME", "TYPE", "GROUP")
		for _, d := range devices {
			fmt.Printf("%-36s %-20s %-20s %s\n", d.ID, d.Name, d.Type, d.GroupID)
		}
		return nil
	},
}

var fleetAddDeviceCmd = &cobra.Command{
	Use:   "add-device <device-type> <group-id>",
	Short: "Register a device in a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		id, _ := cmd.Flags().GetString("id")

		device, err := client.NewClient(apiAddr).CreateDevice(cmd.Context(), &types.Device{
			ID:      id,
			Name:    name,
			Type:    types.DeviceType(args[0]),
			GroupID: args[1],
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Device %s registered\n", device.ID)
		return nil
	},
}

var fleetAddGroupCmd = &cobra.Command{
	Use:   "add-group <credential-id>",
	Short: "Create a device group bound to a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		group, err := client.NewClient(apiAddr).CreateDeviceGroup(cmd.Context(), &types.DeviceGroup{
			Name:         name,
			CredentialID: args[0],
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Device group %s created\n", group.ID)
		return nil
	},
}

var fleetAddCredentialCmd = &cobra.Command{
	Use:   "add-credential <project-id>",
	Short: "Store a tenant credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appKey, _ := cmd.Flags().GetString("app-key")
		appSecret, _ := cmd.Flags().GetString("app-secret")
		brokerURL, _ := cmd.Flags().GetString("broker-url")

		cred, err := client.NewClient(apiAddr).CreateCredential(cmd.Context(), &types.TenantCredential{
			ProjectID: args[0],
			AppKey:    appKey,
			AppSecret: appSecret,
			BrokerURL: brokerURL,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Credential %s stored\n", cred.ID)
		return nil
	},
}

func init() {
	fleetAddDeviceCmd.Flags().String("name", "", "Human-readable device name")
	fleetAddDeviceCmd.Flags().String("id", "", "Device ID (generated when empty)")
	fleetAddGroupCmd.Flags().String("name", "", "Human-readable group name")
	fleetAddCredentialCmd.Flags().String("app-key", "", "External API app key")
	fleetAddCredentialCmd.Flags().String("app-secret", "", "External API app secret")
	fleetAddCredentialCmd.Flags().String("broker-url", "", "MQTT broker URL for this tenant")

	fleetCmd.AddCommand(fleetDevicesCmd)
	fleetCmd.AddCommand(fleetAddDeviceCmd)
	fleetCmd.AddCommand(fleetAddGroupCmd)
	fleetCmd.AddCommand(fleetAddCredentialCmd)
}
