package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/evmotors/dealer-core/config"
	"github.com/evmotors/dealer-core/console"
	"github.com/evmotors/dealer-core/logger"
	"github.com/evmotors/dealer-core/resource"
)

var rootCmd = &cobra.Command{
	Use:           "dealer-cli",
	Short:         "Command line access to the EVMotors dealer console backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newLogger builds a console logger from the --log-level flag, falling
// back to DEALER_LOG_LEVEL.
func newLogger(cmd *cobra.Command) logger.Logger {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		os.Setenv("DEALER_LOG_LEVEL", level)
	}
	return logger.NewConsoleLogger(logger.GetLevelFromEnv())
}

func newConsole(cmd *cobra.Command) (*console.Console, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return console.New(cmd.Context(), cfg, newLogger(cmd))
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConsole(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if err := c.Login(cmd.Context(), console.Credentials{Email: email, Password: password}); err != nil {
			return err
		}
		sess := c.Sessions.Current()
		fmt.Printf("Logged in as %s (%s)\n", sess.Identity.DisplayName, sess.Identity.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConsole(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Logout()
		fmt.Println("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConsole(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		sess := c.Sessions.Current()
		if !sess.Authenticated() {
			return fmt.Errorf("not logged in")
		}
		return printJSON(sess.Identity)
	},
}

// listFlags converts repeated --filter key=value flags into query params.
func listFlags(cmd *cobra.Command) url.Values {
	filters, _ := cmd.Flags().GetStringToString("filter")
	if len(filters) == 0 {
		return nil
	}
	params := url.Values{}
	for k, v := range filters {
		params.Set(k, v)
	}
	return params
}

func listCommand[T any](use, short string, pick func(*console.Console) *resource.Adapter[T]) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsole(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			items, err := pick(c).List(cmd.Context(), listFlags(cmd))
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
	cmd.Flags().StringToString("filter", nil, "query filter as key=value (repeatable)")
	return cmd
}

func getCommand[T any](use, short string, pick func(*console.Console) *resource.Adapter[T]) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsole(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			item, err := pick(c).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(item)
		},
	}
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Place a new order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConsole(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		customerID, _ := cmd.Flags().GetString("customer")
		vehicleID, _ := cmd.Flags().GetString("vehicle")
		order, err := c.Resources.Orders.Create(cmd.Context(), map[string]string{
			"customerId": customerID,
			"vehicleId":  vehicleID,
		})
		if err != nil {
			return err
		}
		return printJSON(order)
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password")
	loginCmd.MarkFlagRequired("email")
	loginCmd.MarkFlagRequired("password")

	orderCreateCmd.Flags().String("customer", "", "customer id")
	orderCreateCmd.Flags().String("vehicle", "", "vehicle id")
	orderCreateCmd.MarkFlagRequired("customer")
	orderCreateCmd.MarkFlagRequired("vehicle")

	vehiclesCmd := &cobra.Command{Use: "vehicles", Short: "Vehicle inventory"}
	vehiclesCmd.AddCommand(
		listCommand("list", "List vehicles", func(c *console.Console) *resource.Adapter[resource.Vehicle] { return c.Resources.Vehicles }),
		getCommand("get", "Show one vehicle", func(c *console.Console) *resource.Adapter[resource.Vehicle] { return c.Resources.Vehicles }),
	)

	ordersCmd := &cobra.Command{Use: "orders", Short: "Customer orders"}
	ordersCmd.AddCommand(
		listCommand("list", "List orders", func(c *console.Console) *resource.Adapter[resource.Order] { return c.Resources.Orders }),
		getCommand("get", "Show one order", func(c *console.Console) *resource.Adapter[resource.Order] { return c.Resources.Orders }),
		orderCreateCmd,
	)

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, vehiclesCmd, ordersCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
