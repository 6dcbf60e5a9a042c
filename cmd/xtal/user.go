package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/db"
)

var (
	userName  string
	userEmail string
	userRole  string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage admin console accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an admin console account",
	Long: `Create an account for the admin console. The password is read from
XTAL_ADMIN_PASSWORD, or from the first line of stdin when that is unset.`,
	RunE: runUserCreate,
}

func init() {
	userCreateCmd.Flags().StringVar(&userName, "name", "", "Display name")
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "Login email (required)")
	userCreateCmd.Flags().StringVar(&userRole, "role", string(db.RoleViewer), "Role: admin or viewer")
	_ = userCreateCmd.MarkFlagRequired("email")

	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserCreate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	role, ok := db.ParseRole(userRole)
	if !ok {
		return fmt.Errorf("invalid role %q: must be admin or viewer", userRole)
	}
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	database, users, err := openUsers(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	user, err := users.CreateUser(cmd.Context(), userName, userEmail, password, role)
	if err != nil {
		return err
	}
	logger.Info("admin account created",
		zap.String("user_id", user.ID.String()),
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) %s\n", user.Email, user.Role, user.ID)
	return err
}

func readPassword(cmd *cobra.Command) (string, error) {
	if pw, ok := os.LookupEnv("XTAL_ADMIN_PASSWORD"); ok && pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("no password: set XTAL_ADMIN_PASSWORD or pipe it on stdin")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
